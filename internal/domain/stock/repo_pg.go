package stock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/pharmacy/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const stockCols = `key, generic, brand, dosage_form, dose, unit, expiry, quantity_on_hand, created_at, updated_at`

func scanItem(row pgx.Row) (*StockItem, error) {
	var s StockItem
	err := row.Scan(&s.Key, &s.Generic, &s.Brand, &s.DosageForm, &s.Dose, &s.Unit,
		&s.Expiry, &s.QuantityOnHand, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const upsertSQL = `
	INSERT INTO stock_item (key, generic, brand, dosage_form, dose, unit, expiry, quantity_on_hand)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (key) DO UPDATE SET
		generic = EXCLUDED.generic, brand = EXCLUDED.brand,
		dosage_form = EXCLUDED.dosage_form, dose = EXCLUDED.dose, unit = EXCLUDED.unit,
		expiry = EXCLUDED.expiry, quantity_on_hand = EXCLUDED.quantity_on_hand,
		updated_at = NOW()`

// Upsert writes the whole import in one transaction so a failed import leaves
// the catalog untouched.
func (r *repoPG) Upsert(ctx context.Context, items []*StockItem) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return r.upsertBatch(ctx, tx, items)
	})
}

// ReplaceAll runs the upsert and the delete of unlisted keys in the same
// transaction.
func (r *repoPG) ReplaceAll(ctx context.Context, items []*StockItem) (int, error) {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	var removed int
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := r.upsertBatch(ctx, tx, items); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM stock_item WHERE NOT (key = ANY($1))`, keys)
		if err != nil {
			return fmt.Errorf("delete unlisted stock: %w", err)
		}
		removed = int(tag.RowsAffected())
		return nil
	})
	return removed, err
}

// inTx joins the transaction already on ctx, or opens one on the clinic
// connection (or the pool) and commits it when fn succeeds.
func (r *repoPG) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	if tx := db.TxFromContext(ctx); tx != nil {
		return fn(tx)
	}

	begin := r.pool.Begin
	if c := db.ConnFromContext(ctx); c != nil {
		begin = c.Begin
	}
	tx, err := begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *repoPG) upsertBatch(ctx context.Context, tx pgx.Tx, items []*StockItem) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(upsertSQL, it.Key, it.Generic, it.Brand, it.DosageForm, it.Dose, it.Unit, it.Expiry, it.QuantityOnHand)
	}
	br := tx.SendBatch(ctx, batch)
	for _, it := range items {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("upsert %s: %w", it.Key, err)
		}
	}
	return br.Close()
}

func (r *repoPG) GetByKey(ctx context.Context, key string) (*StockItem, error) {
	return scanItem(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+stockCols+` FROM stock_item WHERE key = $1`, key))
}

func (r *repoPG) FindByGenericAndBrand(ctx context.Context, generic, brand string) (*StockItem, error) {
	return scanItem(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+stockCols+` FROM stock_item
		WHERE LOWER(generic) = LOWER($1) AND LOWER(brand) = LOWER($2)
		ORDER BY seq LIMIT 1`, CollapseSpace(generic), CollapseSpace(brand)))
}

func (r *repoPG) FindByGeneric(ctx context.Context, generic string) ([]*StockItem, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+stockCols+` FROM stock_item WHERE LOWER(generic) = LOWER($1) ORDER BY seq`,
		CollapseSpace(generic))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StockItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Decrement subtracts with a guarded UPDATE so concurrent dispensations can
// never overdraw. When no row is updated a follow-up read tells a missing key
// apart from a shortfall.
func (r *repoPG) Decrement(ctx context.Context, key string, amount int) (int, error) {
	q := db.Conn(ctx, r.pool)
	var remaining int
	err := q.QueryRow(ctx, `
		UPDATE stock_item SET quantity_on_hand = quantity_on_hand - $2, updated_at = NOW()
		WHERE key = $1 AND quantity_on_hand >= $2
		RETURNING quantity_on_hand`, key, amount).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("decrement %s: %w", key, err)
	}

	var available int
	err = q.QueryRow(ctx, `SELECT quantity_on_hand FROM stock_item WHERE key = $1`, key).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read %s after failed decrement: %w", key, err)
	}
	return available, &InsufficientStockError{Key: key, Requested: amount, Available: available}
}

func (r *repoPG) Adjust(ctx context.Context, key string, quantity int) (*StockItem, error) {
	return scanItem(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE stock_item SET quantity_on_hand = $2, updated_at = NOW()
		WHERE key = $1
		RETURNING `+stockCols, key, quantity))
}

func (r *repoPG) List(ctx context.Context, params ListParams, limit, offset int) ([]*StockItem, int, error) {
	var where []string
	var args []interface{}
	if g := CollapseSpace(params.Generic); g != "" {
		args = append(args, "%"+strings.ToLower(g)+"%")
		where = append(where, fmt.Sprintf("LOWER(generic) LIKE $%d", len(args)))
	}
	if params.InStock != nil {
		if *params.InStock {
			where = append(where, "quantity_on_hand > 0")
		} else {
			where = append(where, "quantity_on_hand = 0")
		}
	}
	if params.MaxQty != nil {
		args = append(args, *params.MaxQty)
		where = append(where, fmt.Sprintf("quantity_on_hand <= $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM stock_item`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = math.MaxInt32
	}
	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT %s FROM stock_item%s ORDER BY LOWER(generic), LOWER(brand), seq LIMIT $%d OFFSET $%d`,
		stockCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*StockItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}
