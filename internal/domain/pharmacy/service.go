package pharmacy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clinicbase/clinicbase/internal/platform/db"
)

// Policy holds the configurable dispensing rules.
type Policy struct {
	// BlockModerate makes MODERATE interactions refuse the dispense instead
	// of surfacing as warnings.
	BlockModerate bool
	// RefillFromDispensed permits refilling a DISPENSED prescription; by
	// default only COMPLETED ones are eligible.
	RefillFromDispensed bool
}

// Service coordinates the prescription lifecycle: issuance, dispensing,
// administrative closure, cancellation, and refills. Every mutating operation
// runs its check-then-mutate sequence inside one serializable transaction.
type Service struct {
	prescriptions PrescriptionRepository
	inventory     InventoryRepository
	ledger        *Ledger
	gate          *Gate
	txr           db.TxRunner
	policy        Policy
	now           func() time.Time
}

func NewService(
	prescriptions PrescriptionRepository,
	inventory InventoryRepository,
	interactions InteractionRepository,
	txr db.TxRunner,
	policy Policy,
) *Service {
	return &Service{
		prescriptions: prescriptions,
		inventory:     inventory,
		ledger:        NewLedger(inventory),
		gate:          NewGate(interactions),
		txr:           txr,
		policy:        policy,
		now:           time.Now,
	}
}

// Ledger exposes the stock ledger for inventory intake endpoints.
func (s *Service) Ledger() *Ledger { return s.ledger }

// Gate exposes the interaction gate for clinical maintenance endpoints.
func (s *Service) Gate() *Gate { return s.gate }

// -- Issuance --

func (s *Service) IssuePrescription(ctx context.Context, p *Prescription) error {
	if p.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("at least one line item is required")
	}
	if p.AllowedRefills < 0 {
		return fmt.Errorf("allowed_refills must not be negative")
	}
	for i, it := range p.Items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	p.Status = StatusPending
	p.TimesFilled = 0
	// Chain links are issued only by Refill; a client-supplied one would let
	// a fresh prescription draw on another chain's quota.
	p.RefillOfID = nil
	err := s.txr.RunSerializable(ctx, func(ctx context.Context) error {
		return s.prescriptions.Create(ctx, p)
	})
	if err != nil {
		return s.mapConflict(err, p.PatientID)
	}
	return nil
}

func (s *Service) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.prescriptions.GetByID(ctx, id)
}

func (s *Service) ListPrescriptions(ctx context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error) {
	return s.prescriptions.List(ctx, f, limit, offset)
}

// -- Dispensing Coordinator --

// Dispense fulfils one prescription: it validates lifecycle state, the
// chain-wide refill quota, per-item stock sufficiency, and the interaction
// gate, then decrements stock, appends SALE transactions, and advances the
// prescription to DISPENSED. The whole sequence is one atomic unit; on any
// failure nothing is mutated. Serialization conflicts are retried inside the
// runner and surface as CONCURRENT_CONFLICT only after retries are exhausted.
func (s *Service) Dispense(ctx context.Context, id uuid.UUID, actor string) (*DispenseResult, error) {
	var result *DispenseResult
	err := s.txr.RunSerializable(ctx, func(ctx context.Context) error {
		r, err := s.dispenseTx(ctx, id, actor)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, s.mapConflict(err, id)
	}
	log.Info().
		Str("prescription_id", id.String()).
		Str("actor", actor).
		Int("transactions", len(result.Transactions)).
		Int("warnings", len(result.Warnings)).
		Msg("prescription dispensed")
	return result, nil
}

func (s *Service) dispenseTx(ctx context.Context, id uuid.UUID, actor string) (*DispenseResult, error) {
	p, err := s.prescriptions.GetByIDForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}

	// 1. Lifecycle state.
	if p.Status != StatusPending {
		return nil, newError(CodeInvalidState, "prescription %s is %s, not PENDING", p.ID, p.Status)
	}

	// 2. Chain-wide refill quota. The fill counter is authoritative on the
	// chain root; refills carry a reference to it.
	root := p
	if p.RefillOfID != nil {
		root, err = s.prescriptions.GetByIDForUpdate(ctx, *p.RefillOfID)
		if err != nil {
			return nil, err
		}
	}
	if root.TimesFilled >= root.AllowedRefills+1 {
		return nil, newError(CodeRefillLimitExceeded, "prescription %s has been filled %d of %d allowed times",
			root.ID, root.TimesFilled, root.AllowedRefills+1)
	}

	// 3. Stock sufficiency for every line item, naming all shortfalls.
	var short []string
	for _, it := range p.Items {
		ok, err := s.ledger.CheckSufficiency(ctx, it.InventoryItemID, it.PrescribedQuantity)
		if err != nil {
			return nil, err
		}
		if !ok {
			short = append(short, fmt.Sprintf("%s (need %d)", it.InventoryItemID, it.PrescribedQuantity))
		}
	}
	if len(short) > 0 {
		return nil, newError(CodeInsufficientStock, "insufficient stock for: %s", strings.Join(short, ", "))
	}

	// 4. Interaction gate.
	medIDs := make([]uuid.UUID, len(p.Items))
	for i, it := range p.Items {
		medIDs[i] = it.InventoryItemID
	}
	matches, err := s.gate.Evaluate(ctx, medIDs)
	if err != nil {
		return nil, err
	}
	var warnings []InteractionMatch
	for _, m := range matches {
		switch {
		case m.Severity == SeveritySevere:
			return nil, newError(CodeSevereInteraction, "severe interaction between %s and %s: %s",
				m.ItemAID, m.ItemBID, m.Guidance)
		case m.Severity == SeverityModerate && s.policy.BlockModerate:
			return nil, newError(CodeModerateInteractionBlocked, "moderate interaction between %s and %s blocked by policy: %s",
				m.ItemAID, m.ItemBID, m.Guidance)
		default:
			warnings = append(warnings, m)
		}
	}

	// 5. Decrement stock and record SALE transactions.
	txns := make([]*StockTransaction, 0, len(p.Items))
	for _, it := range p.Items {
		t, err := s.ledger.ReserveAndDecrement(ctx, it.InventoryItemID, it.PrescribedQuantity, p.ID, actor)
		if err != nil {
			return nil, err
		}
		if err := s.prescriptions.SetItemDispensed(ctx, it.ID, it.PrescribedQuantity); err != nil {
			return nil, fmt.Errorf("recording dispensed quantity for item %s: %w", it.ID, err)
		}
		it.DispensedQuantity = it.PrescribedQuantity
		txns = append(txns, t)
	}

	// 6. Advance the state machine.
	if err := p.TransitionTo(StatusDispensed, s.now()); err != nil {
		return nil, err
	}

	// 7. Count the fill on the chain root.
	root.TimesFilled++
	if err := root.CheckCounters(); err != nil {
		return nil, err
	}
	if root.ID != p.ID {
		root.UpdatedAt = s.now()
		if err := s.prescriptions.Update(ctx, root); err != nil {
			return nil, fmt.Errorf("updating fill counter on %s: %w", root.ID, err)
		}
		p.TimesFilled = root.TimesFilled
	}
	if err := s.prescriptions.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("updating prescription %s: %w", p.ID, err)
	}

	return &DispenseResult{Prescription: p, Transactions: txns, Warnings: warnings}, nil
}

// -- Closure --

// Complete administratively closes a DISPENSED prescription. Calling it again
// fails with INVALID_STATE and changes nothing.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	var p *Prescription
	err := s.txr.RunSerializable(ctx, func(ctx context.Context) error {
		loaded, err := s.prescriptions.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if loaded.Status != StatusDispensed {
			return newError(CodeInvalidState, "prescription %s is %s, not DISPENSED", loaded.ID, loaded.Status)
		}
		if err := loaded.TransitionTo(StatusCompleted, s.now()); err != nil {
			return err
		}
		if err := s.prescriptions.Update(ctx, loaded); err != nil {
			return err
		}
		p = loaded
		return nil
	})
	if err != nil {
		return nil, s.mapConflict(err, id)
	}
	return p, nil
}

// Cancel soft-retires a prescription from PENDING or DISPENSED. Terminal
// prescriptions cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor string) (*Prescription, error) {
	var p *Prescription
	err := s.txr.RunSerializable(ctx, func(ctx context.Context) error {
		loaded, err := s.prescriptions.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if loaded.Status == StatusCompleted || loaded.Status == StatusCancelled {
			return newError(CodeInvalidState, "prescription %s is already %s", loaded.ID, loaded.Status)
		}
		if err := loaded.TransitionTo(StatusCancelled, s.now()); err != nil {
			return err
		}
		if err := s.prescriptions.Update(ctx, loaded); err != nil {
			return err
		}
		p = loaded
		return nil
	})
	if err != nil {
		return nil, s.mapConflict(err, id)
	}
	log.Info().Str("prescription_id", id.String()).Str("actor", actor).Msg("prescription cancelled")
	return p, nil
}

// -- Refill Issuer --

// Refill creates a fresh PENDING prescription continuing a completed one (or
// a dispensed one when policy allows). The new prescription copies the line
// items and references the chain root, whose fill counter bounds the whole
// chain.
func (s *Service) Refill(ctx context.Context, id uuid.UUID, actor string) (*Prescription, error) {
	var created *Prescription
	err := s.txr.RunSerializable(ctx, func(ctx context.Context) error {
		source, err := s.prescriptions.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}

		switch source.Status {
		case StatusCompleted:
		case StatusDispensed:
			if !s.policy.RefillFromDispensed {
				return newError(CodeRefillNotAllowed, "prescription %s must be COMPLETED before refilling", source.ID)
			}
		default:
			return newError(CodeRefillNotAllowed, "prescription %s is %s and cannot be refilled", source.ID, source.Status)
		}

		rootID := source.ID
		root := source
		if source.RefillOfID != nil {
			rootID = *source.RefillOfID
			root, err = s.prescriptions.GetByIDForUpdate(ctx, rootID)
			if err != nil {
				return err
			}
		}
		if root.TimesFilled >= root.AllowedRefills+1 {
			return newError(CodeRefillNotAllowed, "refill quota exhausted for prescription %s (%d of %d fills used)",
				root.ID, root.TimesFilled, root.AllowedRefills+1)
		}

		fresh := &Prescription{
			PatientID:      source.PatientID,
			PrescriberID:   source.PrescriberID,
			Status:         StatusPending,
			AllowedRefills: root.AllowedRefills,
			TimesFilled:    root.TimesFilled,
			RefillOfID:     &rootID,
		}
		for _, it := range source.Items {
			item := &PrescriptionItem{
				InventoryItemID: it.InventoryItemID,
				Dosage:          it.Dosage,
				DosageUnit:      it.DosageUnit,
				FrequencyPerDay: it.FrequencyPerDay,
				DurationDays:    it.DurationDays,
			}
			if err := item.Validate(); err != nil {
				return newError(CodeInvariantViolation, "source item %s no longer valid: %v", it.ID, err)
			}
			fresh.Items = append(fresh.Items, item)
		}

		if err := s.prescriptions.Create(ctx, fresh); err != nil {
			return err
		}
		created = fresh
		return nil
	})
	if err != nil {
		return nil, s.mapConflict(err, id)
	}
	log.Info().
		Str("source_id", id.String()).
		Str("prescription_id", created.ID.String()).
		Str("actor", actor).
		Msg("refill issued")
	return created, nil
}

// -- Inventory & interactions (boundary collaborators) --

func (s *Service) CreateInventoryItem(ctx context.Context, item *InventoryItem) error {
	if item.Name == "" {
		return fmt.Errorf("name is required")
	}
	if item.QuantityOnHand < 0 {
		return fmt.Errorf("quantity_on_hand must not be negative")
	}
	return s.inventory.Create(ctx, item)
}

func (s *Service) GetInventoryItem(ctx context.Context, id uuid.UUID) (*InventoryItem, error) {
	return s.inventory.GetByID(ctx, id)
}

func (s *Service) ListInventoryItems(ctx context.Context, limit, offset int) ([]*InventoryItem, int, error) {
	return s.inventory.List(ctx, limit, offset)
}

// ReceiveStock books incoming stock under a serializable transaction so the
// increment and its RECEIPT record land together.
func (s *Service) ReceiveStock(ctx context.Context, itemID uuid.UUID, quantity int, actor string, note *string) (*StockTransaction, error) {
	return s.applyIntake(ctx, itemID, func(ctx context.Context) (*StockTransaction, error) {
		return s.ledger.Receive(ctx, itemID, quantity, actor, note)
	})
}

func (s *Service) AdjustStock(ctx context.Context, itemID uuid.UUID, quantity int, actor string, note *string) (*StockTransaction, error) {
	return s.applyIntake(ctx, itemID, func(ctx context.Context) (*StockTransaction, error) {
		return s.ledger.Adjust(ctx, itemID, quantity, actor, note)
	})
}

func (s *Service) ReturnStock(ctx context.Context, itemID uuid.UUID, quantity int, actor string, note *string) (*StockTransaction, error) {
	return s.applyIntake(ctx, itemID, func(ctx context.Context) (*StockTransaction, error) {
		return s.ledger.Return(ctx, itemID, quantity, actor, note)
	})
}

func (s *Service) applyIntake(ctx context.Context, itemID uuid.UUID, fn func(ctx context.Context) (*StockTransaction, error)) (*StockTransaction, error) {
	var t *StockTransaction
	err := s.txr.RunSerializable(ctx, func(ctx context.Context) error {
		applied, err := fn(ctx)
		if err != nil {
			return err
		}
		t = applied
		return nil
	})
	if err != nil {
		return nil, s.mapConflict(err, itemID)
	}
	return t, nil
}

func (s *Service) ItemTransactions(ctx context.Context, itemID uuid.UUID, limit, offset int) ([]*StockTransaction, int, error) {
	return s.ledger.Transactions(ctx, itemID, limit, offset)
}

func (s *Service) PrescriptionTransactions(ctx context.Context, prescriptionID uuid.UUID) ([]*StockTransaction, error) {
	return s.ledger.TransactionsByPrescription(ctx, prescriptionID)
}

func (s *Service) CheckInteractions(ctx context.Context, itemIDs []uuid.UUID) ([]InteractionMatch, error) {
	return s.gate.Evaluate(ctx, itemIDs)
}

func (s *Service) mapConflict(err error, id uuid.UUID) error {
	if errors.Is(err, db.ErrTxConflict) {
		return newError(CodeConcurrentConflict, "operation on %s lost a concurrency race, retry", id)
	}
	return err
}
