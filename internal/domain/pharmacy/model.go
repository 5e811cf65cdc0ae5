package pharmacy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the prescription lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDispensed Status = "DISPENSED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// legalTransitions is the full lifecycle graph. COMPLETED and CANCELLED are
// terminal; there are no backward edges, so no sequence of legal transitions
// revisits a state.
var legalTransitions = map[Status][]Status{
	StatusPending:   {StatusDispensed, StatusCancelled},
	StatusDispensed: {StatusCompleted, StatusCancelled},
	StatusCompleted: nil,
	StatusCancelled: nil,
}

func canTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Prescription maps to the prescription table. Status and the lifecycle
// timestamps are mutated only through TransitionTo.
type Prescription struct {
	ID             uuid.UUID           `db:"id" json:"id"`
	PatientID      uuid.UUID           `db:"patient_id" json:"patient_id"`
	PrescriberID   *string             `db:"prescriber_id" json:"prescriber_id,omitempty"`
	Status         Status              `db:"status" json:"status"`
	AllowedRefills int                 `db:"allowed_refills" json:"allowed_refills"`
	TimesFilled    int                 `db:"times_filled" json:"times_filled"`
	RefillOfID     *uuid.UUID          `db:"refill_of_id" json:"refill_of_id,omitempty"`
	Note           *string             `db:"note" json:"note,omitempty"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
	DispensedAt    *time.Time          `db:"dispensed_at" json:"dispensed_at,omitempty"`
	CompletedAt    *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt    *time.Time          `db:"cancelled_at" json:"cancelled_at,omitempty"`
	UpdatedAt      time.Time           `db:"updated_at" json:"updated_at"`
	Items          []*PrescriptionItem `db:"-" json:"items,omitempty"`
}

// TransitionTo advances the lifecycle. A transition not on the graph,
// including any re-invocation of one already taken, fails with
// INVALID_TRANSITION. Timestamps are validated before the state is changed;
// an out-of-order timestamp indicates a logic bug and surfaces as
// INVARIANT_VIOLATION.
func (p *Prescription) TransitionTo(to Status, now time.Time) error {
	if !canTransition(p.Status, to) {
		return newError(CodeInvalidTransition, "cannot transition prescription %s from %s to %s", p.ID, p.Status, to)
	}

	switch to {
	case StatusDispensed:
		if now.Before(p.CreatedAt) {
			return newError(CodeInvariantViolation, "dispensed_at %s precedes created_at %s", now, p.CreatedAt)
		}
		p.DispensedAt = &now
	case StatusCompleted:
		if p.DispensedAt != nil && now.Before(*p.DispensedAt) {
			return newError(CodeInvariantViolation, "completed_at %s precedes dispensed_at %s", now, *p.DispensedAt)
		}
		p.CompletedAt = &now
	case StatusCancelled:
		if now.Before(p.CreatedAt) {
			return newError(CodeInvariantViolation, "cancelled_at %s precedes created_at %s", now, p.CreatedAt)
		}
		p.CancelledAt = &now
	}

	p.Status = to
	p.UpdatedAt = now
	return nil
}

// CheckCounters verifies the refill-quota invariant after any mutation.
func (p *Prescription) CheckCounters() error {
	if p.TimesFilled > p.AllowedRefills+1 {
		return newError(CodeInvariantViolation, "times_filled %d exceeds allowed_refills+1 (%d) on prescription %s",
			p.TimesFilled, p.AllowedRefills+1, p.ID)
	}
	return nil
}

// PrescriptionItem maps to the prescription_item table. Immutable after
// issuance except for DispensedQuantity, written once per successful dispense.
type PrescriptionItem struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	PrescriptionID     uuid.UUID `db:"prescription_id" json:"prescription_id"`
	InventoryItemID    uuid.UUID `db:"inventory_item_id" json:"inventory_item_id"`
	Dosage             int       `db:"dosage" json:"dosage"`
	DosageUnit         string    `db:"dosage_unit" json:"dosage_unit"`
	FrequencyPerDay    int       `db:"frequency_per_day" json:"frequency_per_day"`
	DurationDays       int       `db:"duration_days" json:"duration_days"`
	PrescribedQuantity int       `db:"prescribed_quantity" json:"prescribed_quantity"`
	DispensedQuantity  int       `db:"dispensed_quantity" json:"dispensed_quantity"`
}

// Validate checks the issuance-time constraints and derives the prescribed
// quantity.
func (it *PrescriptionItem) Validate() error {
	if it.InventoryItemID == uuid.Nil {
		return fmt.Errorf("inventory_item_id is required")
	}
	if it.Dosage <= 0 {
		return fmt.Errorf("dosage must be positive")
	}
	if it.FrequencyPerDay <= 0 {
		return fmt.Errorf("frequency_per_day must be positive")
	}
	if it.DurationDays <= 0 {
		return fmt.Errorf("duration_days must be positive")
	}
	it.PrescribedQuantity = it.Dosage * it.FrequencyPerDay * it.DurationDays
	return nil
}

// InventoryItem maps to the inventory_item table. QuantityOnHand is mutated
// only through Stock Ledger operations; Version backs optimistic detection of
// lost updates at the store.
type InventoryItem struct {
	ID             uuid.UUID `db:"id" json:"id"`
	SKU            string    `db:"sku" json:"sku"`
	Name           string    `db:"name" json:"name"`
	Unit           string    `db:"unit" json:"unit"`
	QuantityOnHand int       `db:"quantity_on_hand" json:"quantity_on_hand"`
	Version        int       `db:"version" json:"version"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// TransactionKind classifies a stock ledger entry.
type TransactionKind string

const (
	TxnSale       TransactionKind = "SALE"
	TxnReceipt    TransactionKind = "RECEIPT"
	TxnAdjustment TransactionKind = "ADJUSTMENT"
	TxnReturn     TransactionKind = "RETURN"
)

// StockTransaction is an append-only ledger record of one quantity change.
// Quantity is the signed delta applied to the item (negative for SALE).
// Rows are never updated or deleted.
type StockTransaction struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	InventoryItemID uuid.UUID       `db:"inventory_item_id" json:"inventory_item_id"`
	Kind            TransactionKind `db:"kind" json:"kind"`
	Quantity        int             `db:"quantity" json:"quantity"`
	PrescriptionID  *uuid.UUID      `db:"prescription_id" json:"prescription_id,omitempty"`
	ActorID         string          `db:"actor_id" json:"actor_id"`
	Note            *string         `db:"note" json:"note,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// Severity grades a drug interaction.
type Severity string

const (
	SeverityMinor    Severity = "MINOR"
	SeverityModerate Severity = "MODERATE"
	SeveritySevere   Severity = "SEVERE"
)

var validSeverities = map[Severity]bool{
	SeverityMinor: true, SeverityModerate: true, SeveritySevere: true,
}

// DrugInteraction maps to the drug_interaction table. The pair is stored in
// canonical order (ItemAID < ItemBID as strings) so that lookup for (A,B)
// and (B,A) hit the same row.
type DrugInteraction struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ItemAID   uuid.UUID `db:"item_a_id" json:"item_a_id"`
	ItemBID   uuid.UUID `db:"item_b_id" json:"item_b_id"`
	Severity  Severity  `db:"severity" json:"severity"`
	Guidance  string    `db:"guidance" json:"guidance"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CanonicalPair orders two item identifiers so the unordered pair has a
// single stored representation.
func CanonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() > b.String() {
		return b, a
	}
	return a, b
}

// InteractionMatch is one hit returned by the Interaction Gate.
type InteractionMatch struct {
	ItemAID  uuid.UUID `json:"item_a_id"`
	ItemBID  uuid.UUID `json:"item_b_id"`
	Severity Severity  `json:"severity"`
	Guidance string    `json:"guidance"`
}

// DispenseResult is returned by a successful dispense. Warnings carry the
// MODERATE and MINOR interaction matches that did not block.
type DispenseResult struct {
	Prescription *Prescription       `json:"prescription"`
	Transactions []*StockTransaction `json:"transactions"`
	Warnings     []InteractionMatch  `json:"warnings,omitempty"`
}
