package pharmacy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/clinicbase/clinicbase/internal/platform/db"
)

func seedItem(t *testing.T, svc *Service, name string, stock int) *InventoryItem {
	t.Helper()
	item := &InventoryItem{Name: name, Unit: "tablet", QuantityOnHand: stock}
	if err := svc.CreateInventoryItem(context.Background(), item); err != nil {
		t.Fatalf("seeding inventory item %s: %v", name, err)
	}
	return item
}

type rxLine struct {
	item *InventoryItem
	dose int
	freq int
	days int
}

func seedRx(t *testing.T, svc *Service, allowedRefills int, lines ...rxLine) *Prescription {
	t.Helper()
	p := &Prescription{PatientID: uuid.New(), AllowedRefills: allowedRefills}
	for _, l := range lines {
		p.Items = append(p.Items, &PrescriptionItem{
			InventoryItemID: l.item.ID,
			Dosage:          l.dose,
			DosageUnit:      "tablet",
			FrequencyPerDay: l.freq,
			DurationDays:    l.days,
		})
	}
	if err := svc.IssuePrescription(context.Background(), p); err != nil {
		t.Fatalf("issuing prescription: %v", err)
	}
	return p
}

func stockOf(t *testing.T, svc *Service, id uuid.UUID) int {
	t.Helper()
	it, err := svc.GetInventoryItem(context.Background(), id)
	if err != nil {
		t.Fatalf("loading item %s: %v", id, err)
	}
	return it.QuantityOnHand
}

func TestDispense_Success(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	a := seedItem(t, svc, "amoxicillin 500mg", 100)
	b := seedItem(t, svc, "ibuprofen 200mg", 40)
	rx := seedRx(t, svc, 0, rxLine{a, 2, 3, 5}, rxLine{b, 1, 2, 5})

	result, err := svc.Dispense(context.Background(), rx.ID, "pharm-1")
	if err != nil {
		t.Fatalf("dispense failed: %v", err)
	}

	if result.Prescription.Status != StatusDispensed {
		t.Errorf("status = %s, want DISPENSED", result.Prescription.Status)
	}
	if result.Prescription.TimesFilled != 1 {
		t.Errorf("times_filled = %d, want 1", result.Prescription.TimesFilled)
	}
	if result.Prescription.DispensedAt == nil {
		t.Error("dispensed_at not set")
	}
	if len(result.Transactions) != 2 {
		t.Fatalf("got %d transactions, want 2", len(result.Transactions))
	}
	for _, txn := range result.Transactions {
		if txn.Kind != TxnSale {
			t.Errorf("transaction kind = %s, want SALE", txn.Kind)
		}
		if txn.PrescriptionID == nil || *txn.PrescriptionID != rx.ID {
			t.Error("transaction does not reference the causing prescription")
		}
		if txn.ActorID != "pharm-1" {
			t.Errorf("actor = %s, want pharm-1", txn.ActorID)
		}
	}
	if got := stockOf(t, svc, a.ID); got != 70 {
		t.Errorf("item A stock = %d, want 70", got)
	}
	if got := stockOf(t, svc, b.ID); got != 30 {
		t.Errorf("item B stock = %d, want 30", got)
	}
	for _, it := range result.Prescription.Items {
		if it.DispensedQuantity != it.PrescribedQuantity {
			t.Errorf("item %s dispensed %d != prescribed %d", it.ID, it.DispensedQuantity, it.PrescribedQuantity)
		}
	}
}

func TestDispense_InsufficientStock_LeavesEverythingUnchanged(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	// A: prescribed 30, stock 50. B: prescribed 10, stock 5.
	a := seedItem(t, svc, "drug A", 50)
	b := seedItem(t, svc, "drug B", 5)
	rx := seedRx(t, svc, 0, rxLine{a, 2, 3, 5}, rxLine{b, 1, 2, 5})

	_, err := svc.Dispense(context.Background(), rx.ID, "pharm-1")
	if !IsCode(err, CodeInsufficientStock) {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %v", err)
	}
	if !strings.Contains(err.Error(), b.ID.String()) {
		t.Errorf("error does not name the short item: %v", err)
	}

	if got := stockOf(t, svc, a.ID); got != 50 {
		t.Errorf("item A stock = %d, want 50 untouched", got)
	}
	if got := stockOf(t, svc, b.ID); got != 5 {
		t.Errorf("item B stock = %d, want 5 untouched", got)
	}
	reloaded, err := svc.GetPrescription(context.Background(), rx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != StatusPending || reloaded.TimesFilled != 0 {
		t.Errorf("prescription mutated: status=%s times_filled=%d", reloaded.Status, reloaded.TimesFilled)
	}
	if len(store.txns) != 0 {
		t.Errorf("%d stock transactions created, want 0", len(store.txns))
	}
}

func TestDispense_SevereInteractionBlocks(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	x := seedItem(t, svc, "drug X", 100)
	y := seedItem(t, svc, "drug Y", 100)
	err := svc.Gate().RecordInteraction(context.Background(), &DrugInteraction{
		ItemAID: y.ID, ItemBID: x.ID, Severity: SeveritySevere, Guidance: "do not combine",
	})
	if err != nil {
		t.Fatalf("recording interaction: %v", err)
	}

	rx := seedRx(t, svc, 0, rxLine{x, 1, 1, 5}, rxLine{y, 1, 1, 5})
	_, err = svc.Dispense(context.Background(), rx.ID, "pharm-1")
	if !IsCode(err, CodeSevereInteraction) {
		t.Fatalf("expected SEVERE_INTERACTION, got %v", err)
	}
	if len(store.txns) != 0 {
		t.Errorf("%d stock transactions created, want 0", len(store.txns))
	}
	if got := stockOf(t, svc, x.ID); got != 100 {
		t.Errorf("item X stock = %d, want 100", got)
	}
}

func TestDispense_ModerateInteraction_WarnsByDefault(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	x := seedItem(t, svc, "drug X", 100)
	y := seedItem(t, svc, "drug Y", 100)
	if err := svc.Gate().RecordInteraction(context.Background(), &DrugInteraction{
		ItemAID: x.ID, ItemBID: y.ID, Severity: SeverityModerate, Guidance: "monitor closely",
	}); err != nil {
		t.Fatal(err)
	}

	rx := seedRx(t, svc, 0, rxLine{x, 1, 1, 5}, rxLine{y, 1, 1, 5})
	result, err := svc.Dispense(context.Background(), rx.ID, "pharm-1")
	if err != nil {
		t.Fatalf("moderate interaction should not block: %v", err)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Severity != SeverityModerate {
		t.Errorf("expected one moderate warning, got %v", result.Warnings)
	}
}

func TestDispense_ModerateInteraction_BlockedByPolicy(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{BlockModerate: true})

	x := seedItem(t, svc, "drug X", 100)
	y := seedItem(t, svc, "drug Y", 100)
	if err := svc.Gate().RecordInteraction(context.Background(), &DrugInteraction{
		ItemAID: x.ID, ItemBID: y.ID, Severity: SeverityModerate, Guidance: "monitor closely",
	}); err != nil {
		t.Fatal(err)
	}

	rx := seedRx(t, svc, 0, rxLine{x, 1, 1, 5}, rxLine{y, 1, 1, 5})
	_, err := svc.Dispense(context.Background(), rx.ID, "pharm-1")
	if !IsCode(err, CodeModerateInteractionBlocked) {
		t.Fatalf("expected MODERATE_INTERACTION_BLOCKED, got %v", err)
	}
	if len(store.txns) != 0 {
		t.Error("stock transactions created despite block")
	}
}

func TestDispense_WrongState(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	a := seedItem(t, svc, "drug A", 100)
	rx := seedRx(t, svc, 0, rxLine{a, 1, 1, 5})

	if _, err := svc.Dispense(context.Background(), rx.ID, "pharm-1"); err != nil {
		t.Fatalf("first dispense failed: %v", err)
	}
	_, err := svc.Dispense(context.Background(), rx.ID, "pharm-1")
	if !IsCode(err, CodeInvalidState) {
		t.Fatalf("expected INVALID_STATE on second dispense, got %v", err)
	}
	if got := stockOf(t, svc, a.ID); got != 95 {
		t.Errorf("stock = %d, want 95 (one dispense only)", got)
	}
}

func TestDispense_NotFound(t *testing.T) {
	svc := newTestService(newMemStore(), Policy{})
	_, err := svc.Dispense(context.Background(), uuid.New(), "pharm-1")
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestDispense_Atomicity_FailureMidMutation(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	a := seedItem(t, svc, "drug A", 50)
	b := seedItem(t, svc, "drug B", 50)
	rx := seedRx(t, svc, 0, rxLine{a, 2, 3, 5}, rxLine{b, 1, 2, 5})

	// Item A's SALE record lands, item B's write blows up mid-transaction.
	store.failAppendOn = 2

	_, err := svc.Dispense(context.Background(), rx.ID, "pharm-1")
	if err == nil {
		t.Fatal("expected dispense to fail")
	}

	if got := stockOf(t, svc, a.ID); got != 50 {
		t.Errorf("item A stock = %d, want 50 after rollback", got)
	}
	if got := stockOf(t, svc, b.ID); got != 50 {
		t.Errorf("item B stock = %d, want 50 after rollback", got)
	}
	reloaded, err := svc.GetPrescription(context.Background(), rx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != StatusPending {
		t.Errorf("status = %s, want PENDING after rollback", reloaded.Status)
	}
	for _, it := range reloaded.Items {
		if it.DispensedQuantity != 0 {
			t.Errorf("item %s dispensed_quantity = %d, want 0", it.ID, it.DispensedQuantity)
		}
	}
	if len(store.txns) != 0 {
		t.Errorf("%d stock transactions survived rollback, want 0", len(store.txns))
	}
}

func TestDispense_ConcurrentSamePrescription(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	a := seedItem(t, svc, "drug A", 100)
	rx := seedRx(t, svc, 5, rxLine{a, 2, 3, 5})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Dispense(context.Background(), rx.ID, fmt.Sprintf("pharm-%d", i))
		}(i)
	}
	wg.Wait()

	var successes, invalidState int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case IsCode(err, CodeInvalidState):
			invalidState++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 || invalidState != 1 {
		t.Fatalf("got %d successes and %d invalid-state failures, want exactly 1 each", successes, invalidState)
	}
	if got := stockOf(t, svc, a.ID); got != 70 {
		t.Errorf("stock = %d, want 70 (exactly one dispense)", got)
	}
}

func TestDispense_ConcurrentSharedItem(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	// Stock covers one 30-unit dispense but not two.
	a := seedItem(t, svc, "drug A", 40)
	rx1 := seedRx(t, svc, 0, rxLine{a, 2, 3, 5})
	rx2 := seedRx(t, svc, 0, rxLine{a, 2, 3, 5})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{rx1.ID, rx2.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = svc.Dispense(context.Background(), id, "pharm-1")
		}(i, id)
	}
	wg.Wait()

	var successes, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case IsCode(err, CodeInsufficientStock):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 || insufficient != 1 {
		t.Fatalf("got %d successes and %d insufficient-stock failures, want exactly 1 each", successes, insufficient)
	}
	if got := stockOf(t, svc, a.ID); got != 10 {
		t.Errorf("stock = %d, want 10 (initial 40 minus one 30-unit dispense)", got)
	}
}

func TestDispense_ConcurrentConflictSurfaces(t *testing.T) {
	store := newMemStore()
	svc := NewService(
		&memPrescriptionRepo{store},
		&memInventoryRepo{store},
		&memInteractionRepo{store},
		&memTxRunner{s: store, failWith: fmt.Errorf("%w: retries exhausted", db.ErrTxConflict)},
		Policy{},
	)

	_, err := svc.Dispense(context.Background(), uuid.New(), "pharm-1")
	if !IsCode(err, CodeConcurrentConflict) {
		t.Fatalf("expected CONCURRENT_CONFLICT, got %v", err)
	}
}

func TestComplete_Idempotence(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	a := seedItem(t, svc, "drug A", 100)
	rx := seedRx(t, svc, 0, rxLine{a, 1, 1, 5})
	if _, err := svc.Dispense(context.Background(), rx.ID, "pharm-1"); err != nil {
		t.Fatal(err)
	}

	first, err := svc.Complete(context.Background(), rx.ID)
	if err != nil {
		t.Fatalf("first complete failed: %v", err)
	}
	if first.Status != StatusCompleted || first.CompletedAt == nil {
		t.Errorf("completion not recorded: %+v", first)
	}

	_, err = svc.Complete(context.Background(), rx.ID)
	if !IsCode(err, CodeInvalidState) {
		t.Fatalf("expected INVALID_STATE on second complete, got %v", err)
	}

	reloaded, err := svc.GetPrescription(context.Background(), rx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.CompletedAt.Equal(*first.CompletedAt) {
		t.Error("completed_at changed on failed second complete")
	}
}

func TestCancel(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	a := seedItem(t, svc, "drug A", 100)

	// PENDING -> CANCELLED
	rx := seedRx(t, svc, 0, rxLine{a, 1, 1, 5})
	p, err := svc.Cancel(context.Background(), rx.ID, "doc-1")
	if err != nil {
		t.Fatalf("cancel from PENDING failed: %v", err)
	}
	if p.Status != StatusCancelled || p.CancelledAt == nil {
		t.Errorf("cancellation not recorded: %+v", p)
	}

	// Cancelling again fails.
	if _, err := svc.Cancel(context.Background(), rx.ID, "doc-1"); !IsCode(err, CodeInvalidState) {
		t.Fatalf("expected INVALID_STATE cancelling a cancelled prescription, got %v", err)
	}

	// DISPENSED -> CANCELLED
	rx2 := seedRx(t, svc, 0, rxLine{a, 1, 1, 5})
	if _, err := svc.Dispense(context.Background(), rx2.ID, "pharm-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Cancel(context.Background(), rx2.ID, "doc-1"); err != nil {
		t.Fatalf("cancel from DISPENSED failed: %v", err)
	}

	// COMPLETED is terminal.
	rx3 := seedRx(t, svc, 0, rxLine{a, 1, 1, 5})
	if _, err := svc.Dispense(context.Background(), rx3.ID, "pharm-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(context.Background(), rx3.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Cancel(context.Background(), rx3.ID, "doc-1"); !IsCode(err, CodeInvalidState) {
		t.Fatalf("expected INVALID_STATE cancelling a completed prescription, got %v", err)
	}
}

func TestRefillChain_QuotaBindsAcrossChain(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	a := seedItem(t, svc, "drug A", 1000)
	rx1 := seedRx(t, svc, 1, rxLine{a, 2, 3, 5})

	// First fill.
	res, err := svc.Dispense(context.Background(), rx1.ID, "pharm-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Prescription.TimesFilled != 1 {
		t.Fatalf("times_filled = %d, want 1", res.Prescription.TimesFilled)
	}
	if _, err := svc.Complete(context.Background(), rx1.ID); err != nil {
		t.Fatal(err)
	}

	// Two refills issued while one fill remains; each is a fresh PENDING
	// prescription referencing the chain root.
	rx2, err := svc.Refill(context.Background(), rx1.ID, "doc-1")
	if err != nil {
		t.Fatalf("first refill failed: %v", err)
	}
	rx3, err := svc.Refill(context.Background(), rx1.ID, "doc-1")
	if err != nil {
		t.Fatalf("second refill failed: %v", err)
	}
	if rx2.Status != StatusPending || rx2.RefillOfID == nil || *rx2.RefillOfID != rx1.ID {
		t.Errorf("refill not linked to chain root: %+v", rx2)
	}
	if len(rx2.Items) != 1 || rx2.Items[0].PrescribedQuantity != 30 {
		t.Errorf("refill items not copied: %+v", rx2.Items)
	}

	// Second fill consumes the last of the quota.
	if _, err := svc.Dispense(context.Background(), rx2.ID, "pharm-1"); err != nil {
		t.Fatalf("dispense of first refill failed: %v", err)
	}
	root, err := svc.GetPrescription(context.Background(), rx1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if root.TimesFilled != 2 {
		t.Errorf("root times_filled = %d, want 2", root.TimesFilled)
	}

	// Third fill attempt exceeds allowed_refills + 1.
	_, err = svc.Dispense(context.Background(), rx3.ID, "pharm-1")
	if !IsCode(err, CodeRefillLimitExceeded) {
		t.Fatalf("expected REFILL_LIMIT_EXCEEDED, got %v", err)
	}

	// And the quota gate now refuses further refills too.
	if _, err := svc.Complete(context.Background(), rx2.ID); err != nil {
		t.Fatal(err)
	}
	_, err = svc.Refill(context.Background(), rx2.ID, "doc-1")
	if !IsCode(err, CodeRefillNotAllowed) {
		t.Fatalf("expected REFILL_NOT_ALLOWED after quota exhaustion, got %v", err)
	}
}

func TestRefill_Eligibility(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	a := seedItem(t, svc, "drug A", 1000)

	// PENDING is not refillable.
	rx := seedRx(t, svc, 2, rxLine{a, 1, 1, 5})
	if _, err := svc.Refill(context.Background(), rx.ID, "doc-1"); !IsCode(err, CodeRefillNotAllowed) {
		t.Fatalf("expected REFILL_NOT_ALLOWED for PENDING source, got %v", err)
	}

	// CANCELLED is never refillable.
	if _, err := svc.Cancel(context.Background(), rx.ID, "doc-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Refill(context.Background(), rx.ID, "doc-1"); !IsCode(err, CodeRefillNotAllowed) {
		t.Fatalf("expected REFILL_NOT_ALLOWED for CANCELLED source, got %v", err)
	}

	// DISPENSED needs the policy switch.
	rx2 := seedRx(t, svc, 2, rxLine{a, 1, 1, 5})
	if _, err := svc.Dispense(context.Background(), rx2.ID, "pharm-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Refill(context.Background(), rx2.ID, "doc-1"); !IsCode(err, CodeRefillNotAllowed) {
		t.Fatalf("expected REFILL_NOT_ALLOWED from DISPENSED by default, got %v", err)
	}

	permissive := newTestService(store, Policy{RefillFromDispensed: true})
	if _, err := permissive.Refill(context.Background(), rx2.ID, "doc-1"); err != nil {
		t.Fatalf("refill from DISPENSED should pass with policy enabled: %v", err)
	}
}

func TestIssuePrescription_Validation(t *testing.T) {
	svc := newTestService(newMemStore(), Policy{})

	cases := []struct {
		name string
		p    *Prescription
	}{
		{"missing patient", &Prescription{Items: []*PrescriptionItem{{InventoryItemID: uuid.New(), Dosage: 1, FrequencyPerDay: 1, DurationDays: 1}}}},
		{"no items", &Prescription{PatientID: uuid.New()}},
		{"negative refills", &Prescription{PatientID: uuid.New(), AllowedRefills: -1,
			Items: []*PrescriptionItem{{InventoryItemID: uuid.New(), Dosage: 1, FrequencyPerDay: 1, DurationDays: 1}}}},
		{"bad item", &Prescription{PatientID: uuid.New(),
			Items: []*PrescriptionItem{{InventoryItemID: uuid.New(), Dosage: 0, FrequencyPerDay: 1, DurationDays: 1}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.IssuePrescription(context.Background(), tc.p); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestIssuePrescription_IgnoresClientChainLink(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	// Exhaust a zero-refill chain.
	a := seedItem(t, svc, "drug A", 1000)
	root := seedRx(t, svc, 0, rxLine{a, 1, 1, 5})
	if _, err := svc.Dispense(context.Background(), root.ID, "pharm-1"); err != nil {
		t.Fatal(err)
	}

	// A client posting refill_of_id must not bind the new prescription to
	// the existing chain.
	forged := &Prescription{
		PatientID:      uuid.New(),
		AllowedRefills: 5,
		RefillOfID:     &root.ID,
		Items: []*PrescriptionItem{
			{InventoryItemID: a.ID, Dosage: 1, FrequencyPerDay: 1, DurationDays: 5},
		},
	}
	if err := svc.IssuePrescription(context.Background(), forged); err != nil {
		t.Fatalf("issuing prescription: %v", err)
	}
	if forged.RefillOfID != nil {
		t.Error("client-supplied refill link survived issuance")
	}

	// Its dispense is judged against its own quota, not the exhausted chain.
	if _, err := svc.Dispense(context.Background(), forged.ID, "pharm-1"); err != nil {
		t.Errorf("dispense of independent prescription failed: %v", err)
	}
	rootAfter, err := svc.GetPrescription(context.Background(), root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rootAfter.TimesFilled != 1 {
		t.Errorf("root times_filled = %d, want 1 untouched", rootAfter.TimesFilled)
	}
}

func TestIssuePrescription_FailureLeavesNothingBehind(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})
	store.failCreateRx = true

	p := &Prescription{
		PatientID: uuid.New(),
		Items: []*PrescriptionItem{
			{InventoryItemID: uuid.New(), Dosage: 1, FrequencyPerDay: 1, DurationDays: 1},
		},
	}
	if err := svc.IssuePrescription(context.Background(), p); err == nil {
		t.Fatal("expected issuance to fail")
	}
	if len(store.prescriptions) != 0 {
		t.Errorf("%d prescriptions survived the failed transaction, want 0", len(store.prescriptions))
	}
}

func TestPrescriptionTransactions_AuditTrail(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, Policy{})

	a := seedItem(t, svc, "drug A", 100)
	b := seedItem(t, svc, "drug B", 100)
	rx := seedRx(t, svc, 0, rxLine{a, 1, 1, 5}, rxLine{b, 1, 2, 5})

	if _, err := svc.Dispense(context.Background(), rx.ID, "pharm-1"); err != nil {
		t.Fatal(err)
	}

	txns, err := svc.PrescriptionTransactions(context.Background(), rx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txns))
	}
	total := 0
	for _, txn := range txns {
		total += txn.Quantity
	}
	if total != -15 {
		t.Errorf("net quantity = %d, want -15", total)
	}
}
