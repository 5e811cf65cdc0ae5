package pharmacy

import (
	"errors"
	"fmt"
)

// Stable error codes returned to API callers. Each code maps to exactly one
// HTTP status in the handler, so clients never have to string-match messages.
const (
	CodeInvalidTransition          = "INVALID_TRANSITION"
	CodeInvalidState               = "INVALID_STATE"
	CodeInsufficientStock          = "INSUFFICIENT_STOCK"
	CodeSevereInteraction          = "SEVERE_INTERACTION"
	CodeModerateInteractionBlocked = "MODERATE_INTERACTION_BLOCKED"
	CodeRefillLimitExceeded        = "REFILL_LIMIT_EXCEEDED"
	CodeRefillNotAllowed           = "REFILL_NOT_ALLOWED"
	CodeConcurrentConflict         = "CONCURRENT_CONFLICT"
	CodeInvariantViolation         = "INVARIANT_VIOLATION"
	CodeNotFound                   = "NOT_FOUND"
)

// Error is a business-rule failure with a stable code. The transaction that
// produced it is always rolled back before the error reaches the caller.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the stable code carried by err, or "" if err is not a
// pharmacy error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
