package pharmacy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicbase/clinicbase/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func notFoundOr(err error, format string, args ...interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return newError(CodeNotFound, format, args...)
	}
	return err
}

// -- Prescriptions --

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

const prescriptionCols = `id, patient_id, prescriber_id, status, allowed_refills, times_filled,
	refill_of_id, note, created_at, dispensed_at, completed_at, cancelled_at, updated_at`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.PatientID, &p.PrescriberID, &p.Status, &p.AllowedRefills, &p.TimesFilled,
		&p.RefillOfID, &p.Note, &p.CreatedAt, &p.DispensedAt, &p.CompletedAt, &p.CancelledAt, &p.UpdatedAt)
	return &p, err
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	q := conn(ctx, r.pool)
	p.ID = uuid.New()
	err := q.QueryRow(ctx, `
		INSERT INTO prescription (id, patient_id, prescriber_id, status, allowed_refills, times_filled, refill_of_id, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.PrescriberID, p.Status, p.AllowedRefills, p.TimesFilled, p.RefillOfID, p.Note).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting prescription: %w", err)
	}
	for _, it := range p.Items {
		it.ID = uuid.New()
		it.PrescriptionID = p.ID
		_, err := q.Exec(ctx, `
			INSERT INTO prescription_item (id, prescription_id, inventory_item_id, dosage, dosage_unit,
				frequency_per_day, duration_days, prescribed_quantity, dispensed_quantity)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			it.ID, it.PrescriptionID, it.InventoryItemID, it.Dosage, it.DosageUnit,
			it.FrequencyPerDay, it.DurationDays, it.PrescribedQuantity, it.DispensedQuantity)
		if err != nil {
			return fmt.Errorf("inserting prescription item: %w", err)
		}
	}
	return nil
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.get(ctx, id, "")
}

func (r *prescriptionRepoPG) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *prescriptionRepoPG) get(ctx context.Context, id uuid.UUID, lock string) (*Prescription, error) {
	q := conn(ctx, r.pool)
	p, err := scanPrescription(q.QueryRow(ctx, `SELECT `+prescriptionCols+` FROM prescription WHERE id = $1`+lock, id))
	if err != nil {
		return nil, notFoundOr(err, "prescription %s not found", id)
	}
	items, err := r.loadItems(ctx, q, id)
	if err != nil {
		return nil, err
	}
	p.Items = items
	return p, nil
}

func (r *prescriptionRepoPG) loadItems(ctx context.Context, q queryable, prescriptionID uuid.UUID) ([]*PrescriptionItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, prescription_id, inventory_item_id, dosage, dosage_unit,
			frequency_per_day, duration_days, prescribed_quantity, dispensed_quantity
		FROM prescription_item WHERE prescription_id = $1 ORDER BY id`, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("loading prescription items: %w", err)
	}
	defer rows.Close()
	var items []*PrescriptionItem
	for rows.Next() {
		var it PrescriptionItem
		if err := rows.Scan(&it.ID, &it.PrescriptionID, &it.InventoryItemID, &it.Dosage, &it.DosageUnit,
			&it.FrequencyPerDay, &it.DurationDays, &it.PrescribedQuantity, &it.DispensedQuantity); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (r *prescriptionRepoPG) Update(ctx context.Context, p *Prescription) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE prescription SET status=$2, times_filled=$3, dispensed_at=$4, completed_at=$5,
			cancelled_at=$6, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Status, p.TimesFilled, p.DispensedAt, p.CompletedAt, p.CancelledAt)
	return err
}

func (r *prescriptionRepoPG) SetItemDispensed(ctx context.Context, itemID uuid.UUID, quantity int) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE prescription_item SET dispensed_quantity = $2
		WHERE id = $1 AND $2 <= prescribed_quantity`, itemID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return newError(CodeInvariantViolation, "dispensed quantity %d rejected for item %s", quantity, itemID)
	}
	return nil
}

func (r *prescriptionRepoPG) List(ctx context.Context, f PrescriptionFilter, limit, offset int) ([]*Prescription, int, error) {
	q := conn(ctx, r.pool)

	where := " WHERE 1=1"
	args := []interface{}{}
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where += fmt.Sprintf(" AND patient_id = $%d", len(args))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM prescription`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT %s FROM prescription%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		prescriptionCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// -- Inventory --

type inventoryRepoPG struct{ pool *pgxpool.Pool }

func NewInventoryRepoPG(pool *pgxpool.Pool) InventoryRepository {
	return &inventoryRepoPG{pool: pool}
}

const inventoryCols = `id, sku, name, unit, quantity_on_hand, version, created_at, updated_at`

func scanInventoryItem(row pgx.Row) (*InventoryItem, error) {
	var it InventoryItem
	err := row.Scan(&it.ID, &it.SKU, &it.Name, &it.Unit, &it.QuantityOnHand, &it.Version, &it.CreatedAt, &it.UpdatedAt)
	return &it, err
}

func (r *inventoryRepoPG) Create(ctx context.Context, item *InventoryItem) error {
	item.ID = uuid.New()
	if item.SKU == "" {
		item.SKU = item.ID.String()
	}
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO inventory_item (id, sku, name, unit, quantity_on_hand)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING version, created_at, updated_at`,
		item.ID, item.SKU, item.Name, item.Unit, item.QuantityOnHand).
		Scan(&item.Version, &item.CreatedAt, &item.UpdatedAt)
}

func (r *inventoryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InventoryItem, error) {
	it, err := scanInventoryItem(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+inventoryCols+` FROM inventory_item WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "inventory item %s not found", id)
	}
	return it, nil
}

func (r *inventoryRepoPG) List(ctx context.Context, limit, offset int) ([]*InventoryItem, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_item`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+inventoryCols+` FROM inventory_item ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*InventoryItem
	for rows.Next() {
		it, err := scanInventoryItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

// ApplyDelta is the single write path for quantity_on_hand. The WHERE clause
// keeps stock non-negative without a read-then-write race; version bumps on
// every applied change.
func (r *inventoryRepoPG) ApplyDelta(ctx context.Context, id uuid.UUID, delta int) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE inventory_item
		SET quantity_on_hand = quantity_on_hand + $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND quantity_on_hand + $2 >= 0`, id, delta)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from an insufficient one.
		var exists bool
		if err := conn(ctx, r.pool).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM inventory_item WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, newError(CodeNotFound, "inventory item %s not found", id)
		}
		return false, nil
	}
	return true, nil
}

func (r *inventoryRepoPG) AppendTransaction(ctx context.Context, t *StockTransaction) error {
	t.ID = uuid.New()
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO stock_transaction (id, inventory_item_id, kind, quantity, prescription_id, actor_id, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		t.ID, t.InventoryItemID, t.Kind, t.Quantity, t.PrescriptionID, t.ActorID, t.Note).
		Scan(&t.CreatedAt)
}

const stockTxnCols = `id, inventory_item_id, kind, quantity, prescription_id, actor_id, note, created_at`

func scanStockTxn(row pgx.Row) (*StockTransaction, error) {
	var t StockTransaction
	err := row.Scan(&t.ID, &t.InventoryItemID, &t.Kind, &t.Quantity, &t.PrescriptionID, &t.ActorID, &t.Note, &t.CreatedAt)
	return &t, err
}

func (r *inventoryRepoPG) ListTransactions(ctx context.Context, itemID uuid.UUID, limit, offset int) ([]*StockTransaction, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM stock_transaction WHERE inventory_item_id = $1`, itemID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+stockTxnCols+` FROM stock_transaction
		WHERE inventory_item_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, itemID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*StockTransaction
	for rows.Next() {
		t, err := scanStockTxn(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

func (r *inventoryRepoPG) ListTransactionsByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*StockTransaction, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+stockTxnCols+` FROM stock_transaction
		WHERE prescription_id = $1 ORDER BY created_at`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StockTransaction
	for rows.Next() {
		t, err := scanStockTxn(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// -- Interactions --

type interactionRepoPG struct{ pool *pgxpool.Pool }

func NewInteractionRepoPG(pool *pgxpool.Pool) InteractionRepository {
	return &interactionRepoPG{pool: pool}
}

const interactionCols = `id, item_a_id, item_b_id, severity, guidance, created_at`

func scanInteraction(row pgx.Row) (*DrugInteraction, error) {
	var di DrugInteraction
	err := row.Scan(&di.ID, &di.ItemAID, &di.ItemBID, &di.Severity, &di.Guidance, &di.CreatedAt)
	return &di, err
}

func (r *interactionRepoPG) Create(ctx context.Context, di *DrugInteraction) error {
	di.ID = uuid.New()
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO drug_interaction (id, item_a_id, item_b_id, severity, guidance)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		di.ID, di.ItemAID, di.ItemBID, di.Severity, di.Guidance).
		Scan(&di.CreatedAt)
}

func (r *interactionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM drug_interaction WHERE id = $1`, id)
	return err
}

func (r *interactionRepoPG) List(ctx context.Context, limit, offset int) ([]*DrugInteraction, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM drug_interaction`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+interactionCols+` FROM drug_interaction ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*DrugInteraction
	for rows.Next() {
		di, err := scanInteraction(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, di)
	}
	return items, total, rows.Err()
}

func (r *interactionRepoPG) FindForItems(ctx context.Context, itemIDs []uuid.UUID) ([]*DrugInteraction, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+interactionCols+` FROM drug_interaction
		WHERE item_a_id = ANY($1) AND item_b_id = ANY($1)`, itemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DrugInteraction
	for rows.Next() {
		di, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, di)
	}
	return items, rows.Err()
}
