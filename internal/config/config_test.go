package config

import (
	"os"
	"testing"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/clinic")
	defer os.Unsetenv("DATABASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.DefaultTenant != "default" {
		t.Errorf("expected default tenant, got %s", cfg.DefaultTenant)
	}
	if cfg.DispenseBlockModerate {
		t.Error("moderate interactions should not block by default")
	}
	if cfg.DispenseMaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.DispenseMaxRetries)
	}
	if cfg.LockTimeoutMillis != 3000 {
		t.Errorf("expected 3000ms lock timeout, got %d", cfg.LockTimeoutMillis)
	}
}

func TestValidate_ProductionRequiresIssuer(t *testing.T) {
	cfg := &Config{Env: "production", DispenseMaxRetries: 3, LockTimeoutMillis: 3000}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for production without AUTH_ISSUER")
	}
	cfg.AuthIssuer = "https://auth.example.com/realms/clinic"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_DevDoesNotRequireIssuer(t *testing.T) {
	cfg := &Config{Env: "development", DispenseMaxRetries: 3, LockTimeoutMillis: 3000}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_EnginePolicy(t *testing.T) {
	cfg := &Config{Env: "development", DispenseMaxRetries: -1, LockTimeoutMillis: 3000}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative retry count")
	}
	cfg = &Config{Env: "development", DispenseMaxRetries: 3, LockTimeoutMillis: 0}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero lock timeout")
	}
}
