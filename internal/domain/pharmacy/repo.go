package pharmacy

import (
	"context"

	"github.com/google/uuid"
)

// PrescriptionFilter narrows prescription listings.
type PrescriptionFilter struct {
	PatientID *uuid.UUID
	Status    *Status
}

type PrescriptionRepository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	// GetByIDForUpdate reads the prescription and its items under a row lock
	// so concurrent dispenses of the same prescription serialize.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error)
	Update(ctx context.Context, p *Prescription) error
	SetItemDispensed(ctx context.Context, itemID uuid.UUID, quantity int) error
	List(ctx context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error)
}

type InventoryRepository interface {
	Create(ctx context.Context, item *InventoryItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*InventoryItem, error)
	List(ctx context.Context, limit, offset int) ([]*InventoryItem, int, error)
	// ApplyDelta adds delta to quantity_on_hand only if the result stays
	// non-negative; returns false without mutating when it would not.
	ApplyDelta(ctx context.Context, id uuid.UUID, delta int) (bool, error)
	AppendTransaction(ctx context.Context, t *StockTransaction) error
	ListTransactions(ctx context.Context, itemID uuid.UUID, limit, offset int) ([]*StockTransaction, int, error)
	ListTransactionsByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*StockTransaction, error)
}

type InteractionRepository interface {
	Create(ctx context.Context, di *DrugInteraction) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*DrugInteraction, int, error)
	// FindForItems returns every stored interaction whose canonical pair is
	// drawn from the given set of item identifiers.
	FindForItems(ctx context.Context, itemIDs []uuid.UUID) ([]*DrugInteraction, error)
}
