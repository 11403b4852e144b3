package reserve

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stocklane/stocklane/internal/platform/db"
)

// Repository persists reservations and lines in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service.
type TxRepository interface {
	UpsertHeader(ctx context.Context, key Key, expireAt *time.Time, traceID string, now time.Time) (int64, error)
	UpsertLine(ctx context.Context, reservationID int64, refLine int32, itemID, qty int64, now time.Time) error
	GetForUpdateByKey(ctx context.Context, key Key) (Reservation, error)
	GetForUpdateByID(ctx context.Context, id int64) (Reservation, error)
	GetLines(ctx context.Context, reservationID int64) ([]Line, error)
	SetLineConsumed(ctx context.Context, reservationID int64, refLine int32, consumed int64, now time.Time) error
	SetStatus(ctx context.Context, id int64, status Status, now time.Time) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside one database transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	if r == nil {
		return errors.New("reserve repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

// Tx wraps a live transaction with the repository operations.
func (r *Repository) Tx(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// GetByKey reads a reservation and its lines without locking.
func (r *Repository) GetByKey(ctx context.Context, key Key) (Reservation, []Line, error) {
	if r == nil {
		return Reservation{}, nil, errors.New("reserve repository not initialised")
	}
	var res Reservation
	err := r.pool.QueryRow(ctx, `SELECT id, platform, shop_id, warehouse_id, ref, status, COALESCE(trace_id,''), created_at, updated_at, expire_at
FROM reservations
WHERE platform=$1 AND shop_id=$2 AND warehouse_id=$3 AND ref=$4`,
		key.Platform, key.Shop, key.WarehouseID, key.Ref).
		Scan(&res.ID, &res.Key.Platform, &res.Key.Shop, &res.Key.WarehouseID, &res.Key.Ref,
			&res.Status, &res.TraceID, &res.CreatedAt, &res.UpdatedAt, &res.ExpireAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, nil, ErrReservationNotFound
		}
		return Reservation{}, nil, err
	}
	lines, err := getLines(ctx, r.pool, res.ID)
	if err != nil {
		return Reservation{}, nil, err
	}
	return res, lines, nil
}

// ListExpiredOpen returns ids of open reservations past their deadline,
// oldest deadline first, bounded by limit.
func (r *Repository) ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if r == nil {
		return nil, errors.New("reserve repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM reservations
WHERE status='open' AND expire_at IS NOT NULL AND expire_at < $1
ORDER BY expire_at ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Availability computes the derived availability for one item at read time.
func (r *Repository) Availability(ctx context.Context, itemID, warehouseID int64) (Availability, error) {
	if r == nil {
		return Availability{}, errors.New("reserve repository not initialised")
	}
	av := Availability{ItemID: itemID, WarehouseID: warehouseID}
	err := r.pool.QueryRow(ctx, `WITH slot_agg AS (
    SELECT COALESCE(SUM(s.qty), 0) AS qty
    FROM stock_slots s
    WHERE s.item_id = $1 AND s.warehouse_id = $2
),
lock_agg AS (
    SELECT COALESCE(SUM(rl.qty - rl.consumed_qty), 0) AS qty
    FROM reservations r
    JOIN reservation_lines rl ON rl.reservation_id = r.id
    WHERE r.warehouse_id = $2 AND r.status = 'open' AND rl.item_id = $1
)
SELECT (SELECT qty FROM slot_agg), (SELECT qty FROM lock_agg)`,
		itemID, warehouseID).Scan(&av.OnHand, &av.ReservedOpen)
	if err != nil {
		return Availability{}, err
	}
	av.Available = av.OnHand - av.ReservedOpen
	return av, nil
}

// AvailabilityBulk computes availability for a set of items in one query; the
// explain/scan read paths use it.
func (r *Repository) AvailabilityBulk(ctx context.Context, warehouseID int64, itemIDs []int64) (map[int64]Availability, error) {
	if r == nil {
		return nil, errors.New("reserve repository not initialised")
	}
	out := make(map[int64]Availability, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `WITH slot_agg AS (
    SELECT s.item_id, COALESCE(SUM(s.qty), 0) AS qty
    FROM stock_slots s
    WHERE s.warehouse_id = $1 AND s.item_id = ANY($2)
    GROUP BY s.item_id
),
lock_agg AS (
    SELECT rl.item_id, COALESCE(SUM(rl.qty - rl.consumed_qty), 0) AS qty
    FROM reservations r
    JOIN reservation_lines rl ON rl.reservation_id = r.id
    WHERE r.warehouse_id = $1 AND r.status = 'open' AND rl.item_id = ANY($2)
    GROUP BY rl.item_id
)
SELECT i.item_id, COALESCE(sa.qty, 0), COALESCE(la.qty, 0)
FROM UNNEST($2::bigint[]) AS i(item_id)
LEFT JOIN slot_agg sa ON sa.item_id = i.item_id
LEFT JOIN lock_agg la ON la.item_id = i.item_id
ORDER BY i.item_id`, warehouseID, itemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		av := Availability{WarehouseID: warehouseID}
		if err := rows.Scan(&av.ItemID, &av.OnHand, &av.ReservedOpen); err != nil {
			return nil, err
		}
		av.Available = av.OnHand - av.ReservedOpen
		out[av.ItemID] = av
	}
	return out, rows.Err()
}

// UpsertHeader inserts the header under the business key, or refreshes the
// existing one. Expiry and trace id only fill in, they never overwrite a
// recorded value.
func (r *txRepository) UpsertHeader(ctx context.Context, key Key, expireAt *time.Time, traceID string, now time.Time) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO reservations (platform, shop_id, warehouse_id, ref, status, created_at, updated_at, expire_at, trace_id)
VALUES ($1,$2,$3,$4,'open',$5,$5,$6,NULLIF($7,''))
ON CONFLICT (platform, shop_id, warehouse_id, ref) DO NOTHING
RETURNING id`,
		key.Platform, key.Shop, key.WarehouseID, key.Ref, now, expireAt, traceID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	// Lost the insert race or the reservation already exists; refresh it.
	err = r.tx.QueryRow(ctx, `UPDATE reservations
SET updated_at = $5,
    expire_at  = COALESCE($6, expire_at),
    trace_id   = COALESCE(trace_id, NULLIF($7,''))
WHERE platform=$1 AND shop_id=$2 AND warehouse_id=$3 AND ref=$4
RETURNING id`,
		key.Platform, key.Shop, key.WarehouseID, key.Ref, now, expireAt, traceID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrReservationNotFound
		}
		return 0, err
	}
	return id, nil
}

// UpsertLine rewrites one positional line, update-else-insert. Lines are
// never deleted; corrections add, they never remove. A correction may not
// shrink a line below what picks already consumed from it.
func (r *txRepository) UpsertLine(ctx context.Context, reservationID int64, refLine int32, itemID, qty int64, now time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE reservation_lines
SET item_id=$3, qty=$4, updated_at=$5
WHERE reservation_id=$1 AND ref_line=$2 AND consumed_qty <= $4`, reservationID, refLine, itemID, qty, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservation_lines
WHERE reservation_id=$1 AND ref_line=$2)`, reservationID, refLine).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrLineBelowConsumed
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO reservation_lines (reservation_id, ref_line, item_id, qty, consumed_qty, created_at, updated_at)
VALUES ($1,$2,$3,$4,0,$5,$5)`, reservationID, refLine, itemID, qty, now)
	return err
}

func (r *txRepository) GetForUpdateByKey(ctx context.Context, key Key) (Reservation, error) {
	return getForUpdate(ctx, r.tx, `SELECT id, platform, shop_id, warehouse_id, ref, status, COALESCE(trace_id,''), created_at, updated_at, expire_at
FROM reservations
WHERE platform=$1 AND shop_id=$2 AND warehouse_id=$3 AND ref=$4
FOR UPDATE`, key.Platform, key.Shop, key.WarehouseID, key.Ref)
}

func (r *txRepository) GetForUpdateByID(ctx context.Context, id int64) (Reservation, error) {
	return getForUpdate(ctx, r.tx, `SELECT id, platform, shop_id, warehouse_id, ref, status, COALESCE(trace_id,''), created_at, updated_at, expire_at
FROM reservations
WHERE id=$1
FOR UPDATE`, id)
}

func (r *txRepository) GetLines(ctx context.Context, reservationID int64) ([]Line, error) {
	return getLines(ctx, r.tx, reservationID)
}

func (r *txRepository) SetLineConsumed(ctx context.Context, reservationID int64, refLine int32, consumed int64, now time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE reservation_lines
SET consumed_qty=$3, updated_at=$4
WHERE reservation_id=$1 AND ref_line=$2`, reservationID, refLine, consumed, now)
	return err
}

func (r *txRepository) SetStatus(ctx context.Context, id int64, status Status, now time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE reservations SET status=$2, updated_at=$3 WHERE id=$1`, id, string(status), now)
	return err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getForUpdate(ctx context.Context, q querier, sql string, args ...any) (Reservation, error) {
	var res Reservation
	err := q.QueryRow(ctx, sql, args...).
		Scan(&res.ID, &res.Key.Platform, &res.Key.Shop, &res.Key.WarehouseID, &res.Key.Ref,
			&res.Status, &res.TraceID, &res.CreatedAt, &res.UpdatedAt, &res.ExpireAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, err
	}
	return res, nil
}

func getLines(ctx context.Context, q querier, reservationID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT reservation_id, ref_line, item_id, qty, consumed_qty
FROM reservation_lines
WHERE reservation_id=$1
ORDER BY ref_line ASC`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := []Line{}
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ReservationID, &l.RefLine, &l.ItemID, &l.Qty, &l.ConsumedQty); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
