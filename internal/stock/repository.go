package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stocklane/stocklane/internal/platform/db"
)

// Repository persists slots, batches and the movement ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service.
type TxRepository interface {
	EnsureSlot(ctx context.Context, itemID, warehouseID int64, batchKey string) error
	GetSlotForUpdate(ctx context.Context, itemID, warehouseID int64, batchKey string) (Slot, error)
	SetSlotQty(ctx context.Context, slotID, qty int64) error
	InsertLedger(ctx context.Context, entry LedgerEntry) (int64, error)
	GetLedgerByKey(ctx context.Context, key LedgerKey) (LedgerEntry, error)
	EnsureBatch(ctx context.Context, batch Batch) error
	GetBatch(ctx context.Context, itemID, warehouseID int64, batchKey string) (Batch, error)
	SetBatchExpiry(ctx context.Context, itemID, warehouseID int64, batchKey string, expiry time.Time) error
	ListPickCandidates(ctx context.Context, itemID, warehouseID int64) ([]PickCandidate, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a single database transaction. Row
// locks taken through the callback serialize writers on the same slot.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

// Tx wraps a live transaction with the repository operations, letting another
// module (the reservation engine) apply movements inside its own transaction.
func (r *Repository) Tx(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// GetLedgerByKey resolves a committed ledger row by its idempotency key.
func (r *Repository) GetLedgerByKey(ctx context.Context, key LedgerKey) (LedgerEntry, error) {
	if r == nil {
		return LedgerEntry{}, errors.New("stock repository not initialised")
	}
	return getLedgerByKey(ctx, r.pool, key)
}

// ItemShelfLife reads the item master fields the engine consumes.
func (r *Repository) ItemShelfLife(ctx context.Context, itemID int64) (ItemProfile, error) {
	if r == nil {
		return ItemProfile{}, errors.New("stock repository not initialised")
	}
	var profile ItemProfile
	err := r.pool.QueryRow(ctx,
		`SELECT id, COALESCE(shelf_life_days, 0), lot_tracked FROM items WHERE id=$1`,
		itemID).Scan(&profile.ItemID, &profile.ShelfLifeDays, &profile.LotTracked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ItemProfile{}, ErrItemNotFound
		}
		return ItemProfile{}, err
	}
	return profile, nil
}

// ListPickCandidates returns batches with stock, FEFO-ordered, without
// locking. The plan built on top of it is advisory; a stale plan is caught by
// the non-negativity check when the movement is applied.
func (r *Repository) ListPickCandidates(ctx context.Context, itemID, warehouseID int64) ([]PickCandidate, error) {
	if r == nil {
		return nil, errors.New("stock repository not initialised")
	}
	return listPickCandidates(ctx, r.pool, itemID, warehouseID)
}

// QueryLedger lists ledger rows for the read-only audit surface. It returns
// the page of rows plus the total match count.
func (r *Repository) QueryLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, int, error) {
	if r == nil {
		return nil, 0, errors.New("stock repository not initialised")
	}
	perPage := filter.PerPage
	if perPage <= 0 || perPage > 500 {
		perPage = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	where := ` WHERE ($1::bigint = 0 OR item_id = $1)
  AND ($2::bigint = 0 OR warehouse_id = $2)
  AND ($3::text = '' OR reason = $3)
  AND ($4::text = '' OR ref = $4)
  AND occurred_at >= COALESCE($5, '-infinity'::timestamptz)
  AND occurred_at <= COALESCE($6, 'infinity'::timestamptz)`
	args := []any{
		filter.ItemID, filter.WarehouseID, string(filter.Reason), filter.Ref,
		nullTime(filter.From), nullTime(filter.To),
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_ledger`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, item_id, warehouse_id, batch_key, reason, delta, after_qty, ref, ref_line, occurred_at, COALESCE(trace_id, '')
FROM stock_ledger`+where+`
ORDER BY occurred_at DESC, id DESC
LIMIT $7 OFFSET $8`,
		append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []LedgerEntry{}
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.ItemID, &e.WarehouseID, &e.BatchKey, &e.Reason, &e.Delta, &e.AfterQty, &e.Ref, &e.RefLine, &e.OccurredAt, &e.TraceID); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *txRepository) EnsureSlot(ctx context.Context, itemID, warehouseID int64, batchKey string) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_slots (item_id, warehouse_id, batch_key, qty)
VALUES ($1,$2,$3,0)
ON CONFLICT (item_id, warehouse_id, batch_key) DO NOTHING`, itemID, warehouseID, batchKey)
	return err
}

func (r *txRepository) GetSlotForUpdate(ctx context.Context, itemID, warehouseID int64, batchKey string) (Slot, error) {
	var slot Slot
	err := r.tx.QueryRow(ctx, `SELECT id, item_id, warehouse_id, batch_key, qty
FROM stock_slots
WHERE item_id=$1 AND warehouse_id=$2 AND batch_key=$3
FOR UPDATE`, itemID, warehouseID, batchKey).
		Scan(&slot.ID, &slot.ItemID, &slot.WarehouseID, &slot.BatchKey, &slot.Qty)
	if err != nil {
		return Slot{}, err
	}
	return slot, nil
}

func (r *txRepository) SetSlotQty(ctx context.Context, slotID, qty int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_slots SET qty=$2, updated_at=NOW() WHERE id=$1`, slotID, qty)
	return err
}

func (r *txRepository) InsertLedger(ctx context.Context, entry LedgerEntry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_ledger (item_id, warehouse_id, batch_key, reason, delta, after_qty, ref, ref_line, occurred_at, trace_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''))
RETURNING id`,
		entry.ItemID, entry.WarehouseID, entry.BatchKey, string(entry.Reason), entry.Delta,
		entry.AfterQty, entry.Ref, entry.RefLine, entry.OccurredAt, entry.TraceID).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateMovement
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) GetLedgerByKey(ctx context.Context, key LedgerKey) (LedgerEntry, error) {
	return getLedgerByKey(ctx, r.tx, key)
}

func (r *txRepository) EnsureBatch(ctx context.Context, batch Batch) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO batches (item_id, warehouse_id, batch_key, production_date, expiry_date, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (item_id, warehouse_id, batch_key) DO NOTHING`,
		batch.ItemID, batch.WarehouseID, batch.BatchKey, batch.ProductionDate, batch.ExpiryDate)
	return err
}

func (r *txRepository) GetBatch(ctx context.Context, itemID, warehouseID int64, batchKey string) (Batch, error) {
	var batch Batch
	err := r.tx.QueryRow(ctx, `SELECT item_id, warehouse_id, batch_key, production_date, expiry_date, created_at
FROM batches
WHERE item_id=$1 AND warehouse_id=$2 AND batch_key=$3`, itemID, warehouseID, batchKey).
		Scan(&batch.ItemID, &batch.WarehouseID, &batch.BatchKey, &batch.ProductionDate, &batch.ExpiryDate, &batch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	return batch, nil
}

// SetBatchExpiry is the explicit correction path; ordinary receipts never
// overwrite a recorded expiry.
func (r *txRepository) SetBatchExpiry(ctx context.Context, itemID, warehouseID int64, batchKey string, expiry time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE batches SET expiry_date=$4
WHERE item_id=$1 AND warehouse_id=$2 AND batch_key=$3`, itemID, warehouseID, batchKey, expiry)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (r *txRepository) ListPickCandidates(ctx context.Context, itemID, warehouseID int64) ([]PickCandidate, error) {
	return listPickCandidates(ctx, r.tx, itemID, warehouseID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getLedgerByKey(ctx context.Context, q querier, key LedgerKey) (LedgerEntry, error) {
	var e LedgerEntry
	err := q.QueryRow(ctx, `SELECT id, item_id, warehouse_id, batch_key, reason, delta, after_qty, ref, ref_line, occurred_at, COALESCE(trace_id, '')
FROM stock_ledger
WHERE reason=$1 AND ref=$2 AND ref_line=$3 AND item_id=$4 AND warehouse_id=$5 AND batch_key=$6`,
		string(key.Reason), key.Ref, key.RefLine, key.ItemID, key.WarehouseID, key.BatchKey).
		Scan(&e.ID, &e.ItemID, &e.WarehouseID, &e.BatchKey, &e.Reason, &e.Delta, &e.AfterQty, &e.Ref, &e.RefLine, &e.OccurredAt, &e.TraceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LedgerEntry{}, ErrLedgerEntryNotFound
		}
		return LedgerEntry{}, err
	}
	return e, nil
}

func listPickCandidates(ctx context.Context, q querier, itemID, warehouseID int64) ([]PickCandidate, error) {
	rows, err := q.Query(ctx, `SELECT s.batch_key, s.qty, b.expiry_date
FROM stock_slots s
LEFT JOIN batches b
  ON b.item_id = s.item_id
 AND b.warehouse_id = s.warehouse_id
 AND b.batch_key = s.batch_key
WHERE s.item_id=$1 AND s.warehouse_id=$2 AND s.qty > 0
ORDER BY b.expiry_date ASC NULLS LAST, s.batch_key ASC`, itemID, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := []PickCandidate{}
	for rows.Next() {
		var c PickCandidate
		if err := rows.Scan(&c.BatchKey, &c.Qty, &c.ExpiryDate); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return candidates, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
