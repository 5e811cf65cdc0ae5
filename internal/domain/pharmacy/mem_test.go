package pharmacy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore backs the in-memory repositories used across the package tests.
// memTxRunner snapshots it before each unit of work and restores it on
// failure, mirroring transactional rollback.
type memStore struct {
	mu            sync.Mutex
	prescriptions map[uuid.UUID]*Prescription
	inventory     map[uuid.UUID]*InventoryItem
	txns          []*StockTransaction
	interactions  map[uuid.UUID]*DrugInteraction

	// failAppendOn makes the nth AppendTransaction call fail (1-based);
	// 0 disables injection.
	failAppendOn int
	appendCalls  int

	// failCreateRx makes prescription Create fail after the row lands,
	// modeling a mid-insert failure.
	failCreateRx bool
}

func newMemStore() *memStore {
	return &memStore{
		prescriptions: make(map[uuid.UUID]*Prescription),
		inventory:     make(map[uuid.UUID]*InventoryItem),
		interactions:  make(map[uuid.UUID]*DrugInteraction),
	}
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyUUIDPtr(u *uuid.UUID) *uuid.UUID {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}

func copyPrescription(p *Prescription) *Prescription {
	cp := *p
	cp.RefillOfID = copyUUIDPtr(p.RefillOfID)
	cp.DispensedAt = copyTimePtr(p.DispensedAt)
	cp.CompletedAt = copyTimePtr(p.CompletedAt)
	cp.CancelledAt = copyTimePtr(p.CancelledAt)
	cp.Items = make([]*PrescriptionItem, len(p.Items))
	for i, it := range p.Items {
		c := *it
		cp.Items[i] = &c
	}
	return &cp
}

type memSnapshot struct {
	prescriptions map[uuid.UUID]*Prescription
	inventory     map[uuid.UUID]*InventoryItem
	txns          []*StockTransaction
	interactions  map[uuid.UUID]*DrugInteraction
}

func (s *memStore) snapshot() memSnapshot {
	snap := memSnapshot{
		prescriptions: make(map[uuid.UUID]*Prescription, len(s.prescriptions)),
		inventory:     make(map[uuid.UUID]*InventoryItem, len(s.inventory)),
		txns:          make([]*StockTransaction, len(s.txns)),
		interactions:  make(map[uuid.UUID]*DrugInteraction, len(s.interactions)),
	}
	for k, v := range s.prescriptions {
		snap.prescriptions[k] = copyPrescription(v)
	}
	for k, v := range s.inventory {
		c := *v
		snap.inventory[k] = &c
	}
	for i, t := range s.txns {
		c := *t
		snap.txns[i] = &c
	}
	for k, v := range s.interactions {
		c := *v
		snap.interactions[k] = &c
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.prescriptions = snap.prescriptions
	s.inventory = snap.inventory
	s.txns = snap.txns
	s.interactions = snap.interactions
}

// memTxRunner serializes units of work on the store mutex and rolls the store
// back when fn fails, the way a real serializable transaction would.
type memTxRunner struct {
	s        *memStore
	failWith error
}

func (r *memTxRunner) RunSerializable(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.failWith != nil {
		return r.failWith
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	snap := r.s.snapshot()
	if err := fn(ctx); err != nil {
		r.s.restore(snap)
		return err
	}
	return nil
}

// -- Prescriptions --

type memPrescriptionRepo struct{ s *memStore }

func (m *memPrescriptionRepo) Create(_ context.Context, p *Prescription) error {
	p.ID = uuid.New()
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	for _, it := range p.Items {
		it.ID = uuid.New()
		it.PrescriptionID = p.ID
	}
	m.s.prescriptions[p.ID] = copyPrescription(p)
	if m.s.failCreateRx {
		return fmt.Errorf("injected create failure")
	}
	return nil
}

func (m *memPrescriptionRepo) GetByID(_ context.Context, id uuid.UUID) (*Prescription, error) {
	p, ok := m.s.prescriptions[id]
	if !ok {
		return nil, newError(CodeNotFound, "prescription %s not found", id)
	}
	return copyPrescription(p), nil
}

func (m *memPrescriptionRepo) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return m.GetByID(ctx, id)
}

func (m *memPrescriptionRepo) Update(_ context.Context, p *Prescription) error {
	if _, ok := m.s.prescriptions[p.ID]; !ok {
		return newError(CodeNotFound, "prescription %s not found", p.ID)
	}
	m.s.prescriptions[p.ID] = copyPrescription(p)
	return nil
}

func (m *memPrescriptionRepo) SetItemDispensed(_ context.Context, itemID uuid.UUID, quantity int) error {
	for _, p := range m.s.prescriptions {
		for _, it := range p.Items {
			if it.ID == itemID {
				if quantity > it.PrescribedQuantity {
					return newError(CodeInvariantViolation, "dispensed quantity %d rejected for item %s", quantity, itemID)
				}
				it.DispensedQuantity = quantity
				return nil
			}
		}
	}
	return newError(CodeNotFound, "prescription item %s not found", itemID)
}

func (m *memPrescriptionRepo) List(_ context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error) {
	var out []*Prescription
	for _, p := range m.s.prescriptions {
		if f.PatientID != nil && p.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		out = append(out, copyPrescription(p))
	}
	return out, len(out), nil
}

// -- Inventory --

type memInventoryRepo struct{ s *memStore }

func (m *memInventoryRepo) Create(_ context.Context, item *InventoryItem) error {
	item.ID = uuid.New()
	if item.SKU == "" {
		item.SKU = item.ID.String()
	}
	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now
	c := *item
	m.s.inventory[item.ID] = &c
	return nil
}

func (m *memInventoryRepo) GetByID(_ context.Context, id uuid.UUID) (*InventoryItem, error) {
	it, ok := m.s.inventory[id]
	if !ok {
		return nil, newError(CodeNotFound, "inventory item %s not found", id)
	}
	c := *it
	return &c, nil
}

func (m *memInventoryRepo) List(_ context.Context, limit, offset int) ([]*InventoryItem, int, error) {
	var out []*InventoryItem
	for _, it := range m.s.inventory {
		c := *it
		out = append(out, &c)
	}
	return out, len(out), nil
}

func (m *memInventoryRepo) ApplyDelta(_ context.Context, id uuid.UUID, delta int) (bool, error) {
	it, ok := m.s.inventory[id]
	if !ok {
		return false, newError(CodeNotFound, "inventory item %s not found", id)
	}
	if it.QuantityOnHand+delta < 0 {
		return false, nil
	}
	it.QuantityOnHand += delta
	it.Version++
	return true, nil
}

func (m *memInventoryRepo) AppendTransaction(_ context.Context, t *StockTransaction) error {
	m.s.appendCalls++
	if m.s.failAppendOn > 0 && m.s.appendCalls == m.s.failAppendOn {
		return fmt.Errorf("injected append failure")
	}
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	c := *t
	m.s.txns = append(m.s.txns, &c)
	return nil
}

func (m *memInventoryRepo) ListTransactions(_ context.Context, itemID uuid.UUID, limit, offset int) ([]*StockTransaction, int, error) {
	var out []*StockTransaction
	for _, t := range m.s.txns {
		if t.InventoryItemID == itemID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, len(out), nil
}

func (m *memInventoryRepo) ListTransactionsByPrescription(_ context.Context, prescriptionID uuid.UUID) ([]*StockTransaction, error) {
	var out []*StockTransaction
	for _, t := range m.s.txns {
		if t.PrescriptionID != nil && *t.PrescriptionID == prescriptionID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

// -- Interactions --

type memInteractionRepo struct{ s *memStore }

func (m *memInteractionRepo) Create(_ context.Context, di *DrugInteraction) error {
	di.ID = uuid.New()
	di.CreatedAt = time.Now()
	c := *di
	m.s.interactions[di.ID] = &c
	return nil
}

func (m *memInteractionRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.s.interactions, id)
	return nil
}

func (m *memInteractionRepo) List(_ context.Context, limit, offset int) ([]*DrugInteraction, int, error) {
	var out []*DrugInteraction
	for _, di := range m.s.interactions {
		c := *di
		out = append(out, &c)
	}
	return out, len(out), nil
}

func (m *memInteractionRepo) FindForItems(_ context.Context, itemIDs []uuid.UUID) ([]*DrugInteraction, error) {
	in := make(map[uuid.UUID]bool, len(itemIDs))
	for _, id := range itemIDs {
		in[id] = true
	}
	var out []*DrugInteraction
	for _, di := range m.s.interactions {
		if in[di.ItemAID] && in[di.ItemBID] {
			c := *di
			out = append(out, &c)
		}
	}
	return out, nil
}

func newTestService(s *memStore, policy Policy) *Service {
	return NewService(
		&memPrescriptionRepo{s},
		&memInventoryRepo{s},
		&memInteractionRepo{s},
		&memTxRunner{s: s},
		policy,
	)
}
