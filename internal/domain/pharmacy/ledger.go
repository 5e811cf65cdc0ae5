package pharmacy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Ledger owns every quantity change to inventory. Each mutation decrements or
// increments quantity_on_hand and appends one immutable StockTransaction in
// the same unit of work; stock never goes negative.
type Ledger struct {
	inventory InventoryRepository
}

func NewLedger(inventory InventoryRepository) *Ledger {
	return &Ledger{inventory: inventory}
}

// CheckSufficiency reports whether the item currently holds at least quantity
// units. Non-mutating; a caller that intends to decrement must still go
// through ReserveAndDecrement, which re-verifies under the transaction.
func (l *Ledger) CheckSufficiency(ctx context.Context, itemID uuid.UUID, quantity int) (bool, error) {
	item, err := l.inventory.GetByID(ctx, itemID)
	if err != nil {
		return false, fmt.Errorf("loading inventory item %s: %w", itemID, err)
	}
	return item.QuantityOnHand >= quantity, nil
}

// ReserveAndDecrement atomically verifies sufficiency, decrements stock, and
// appends a SALE transaction referencing the causing prescription. On
// insufficiency nothing is written.
func (l *Ledger) ReserveAndDecrement(ctx context.Context, itemID uuid.UUID, quantity int, cause uuid.UUID, actor string) (*StockTransaction, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	applied, err := l.inventory.ApplyDelta(ctx, itemID, -quantity)
	if err != nil {
		return nil, fmt.Errorf("decrementing stock for item %s: %w", itemID, err)
	}
	if !applied {
		return nil, newError(CodeInsufficientStock, "insufficient stock for item %s: need %d", itemID, quantity)
	}
	t := &StockTransaction{
		InventoryItemID: itemID,
		Kind:            TxnSale,
		Quantity:        -quantity,
		PrescriptionID:  &cause,
		ActorID:         actor,
	}
	if err := l.inventory.AppendTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("recording sale transaction for item %s: %w", itemID, err)
	}
	return t, nil
}

// Receive books incoming stock as a RECEIPT transaction.
func (l *Ledger) Receive(ctx context.Context, itemID uuid.UUID, quantity int, actor string, note *string) (*StockTransaction, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	return l.apply(ctx, itemID, TxnReceipt, quantity, actor, note)
}

// Adjust books a signed stock correction as an ADJUSTMENT transaction. A
// negative adjustment that would take stock below zero fails with
// INSUFFICIENT_STOCK and writes nothing.
func (l *Ledger) Adjust(ctx context.Context, itemID uuid.UUID, quantity int, actor string, note *string) (*StockTransaction, error) {
	if quantity == 0 {
		return nil, fmt.Errorf("quantity must be non-zero")
	}
	return l.apply(ctx, itemID, TxnAdjustment, quantity, actor, note)
}

// Return books stock coming back from a patient or ward as a RETURN
// transaction.
func (l *Ledger) Return(ctx context.Context, itemID uuid.UUID, quantity int, actor string, note *string) (*StockTransaction, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	return l.apply(ctx, itemID, TxnReturn, quantity, actor, note)
}

func (l *Ledger) apply(ctx context.Context, itemID uuid.UUID, kind TransactionKind, delta int, actor string, note *string) (*StockTransaction, error) {
	applied, err := l.inventory.ApplyDelta(ctx, itemID, delta)
	if err != nil {
		return nil, fmt.Errorf("applying %s to item %s: %w", kind, itemID, err)
	}
	if !applied {
		return nil, newError(CodeInsufficientStock, "adjustment of %d would take item %s below zero", delta, itemID)
	}
	t := &StockTransaction{
		InventoryItemID: itemID,
		Kind:            kind,
		Quantity:        delta,
		ActorID:         actor,
		Note:            note,
	}
	if err := l.inventory.AppendTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("recording %s transaction for item %s: %w", kind, itemID, err)
	}
	return t, nil
}

// Transactions returns the audit trail for one item, newest first.
func (l *Ledger) Transactions(ctx context.Context, itemID uuid.UUID, limit, offset int) ([]*StockTransaction, int, error) {
	return l.inventory.ListTransactions(ctx, itemID, limit, offset)
}

// TransactionsByPrescription returns every ledger entry caused by one
// prescription's dispense.
func (l *Ledger) TransactionsByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*StockTransaction, error) {
	return l.inventory.ListTransactionsByPrescription(ctx, prescriptionID)
}
