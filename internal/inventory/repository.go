package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/orderflow/internal/platform/db"
	"github.com/odyssey-erp/orderflow/internal/shared"
)

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository reads inventory data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetItem returns an inventory item by id.
func (r *Repository) GetItem(ctx context.Context, tenantID, id string) (Item, error) {
	if r == nil {
		return Item{}, errors.New("inventory repository not initialised")
	}
	var (
		item  Item
		price string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name, COALESCE(category_id::text, ''), quantity, min_quantity, unit_price::text
		FROM inventory_items WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&item.ID, &item.SKU, &item.Name, &item.CategoryID, &item.Quantity, &item.MinQuantity, &price)
	if err != nil {
		if db.IsMissing(err) {
			return Item{}, fmt.Errorf("inventory item %s: %w", id, shared.ErrNotFound)
		}
		return Item{}, err
	}
	item.UnitPrice, err = decimal.NewFromString(price)
	if err != nil {
		return Item{}, fmt.Errorf("inventory: parse unit price: %w", err)
	}
	return item, nil
}

// Summary aggregates stock figures for the tenant.
func (r *Repository) Summary(ctx context.Context, tenantID string) (Summary, error) {
	var s Summary
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(quantity), 0),
		COUNT(*) FILTER (WHERE min_quantity > 0 AND quantity <= min_quantity)
		FROM inventory_items WHERE tenant_id=$1`, tenantID).
		Scan(&s.ItemCount, &s.TotalQuantity, &s.LowStockCount)
	return s, err
}

// ListStockLevels returns per-store stock for an item.
func (r *Repository) ListStockLevels(ctx context.Context, tenantID, itemID string) ([]StockLevel, error) {
	rows, err := r.pool.Query(ctx, `SELECT item_id, store_id, quantity FROM stock_levels
		WHERE tenant_id=$1 AND item_id=$2 ORDER BY store_id`, tenantID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	levels := []StockLevel{}
	for rows.Next() {
		var l StockLevel
		if err := rows.Scan(&l.ItemID, &l.StoreID, &l.Quantity); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// ListTransactions returns ledger rows caused by referenceID, oldest first.
func (r *Repository) ListTransactions(ctx context.Context, tenantID, referenceID string) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, direction, item_id, store_id, quantity, reference_id, created_at
		FROM transactions WHERE tenant_id=$1 AND reference_id=$2 ORDER BY created_at, id`, tenantID, referenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	txs := []Transaction{}
	for rows.Next() {
		t := Transaction{TenantID: tenantID}
		if err := rows.Scan(&t.ID, &t.Direction, &t.ItemID, &t.StoreID, &t.Quantity, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// FindStockDrift compares every stock level with the signed sum of its ledger rows
// across all tenants.
func (r *Repository) FindStockDrift(ctx context.Context) ([]StockDrift, error) {
	rows, err := r.pool.Query(ctx, `WITH ledger AS (
			SELECT tenant_id, item_id, store_id,
				SUM(CASE WHEN direction = 'OUT' THEN -quantity ELSE quantity END)::bigint AS total
			FROM transactions GROUP BY tenant_id, item_id, store_id
		)
		SELECT COALESCE(s.tenant_id, l.tenant_id), COALESCE(s.item_id, l.item_id), COALESCE(s.store_id, l.store_id),
			COALESCE(s.quantity, 0), COALESCE(l.total, 0)
		FROM stock_levels s
		FULL OUTER JOIN ledger l ON l.tenant_id = s.tenant_id AND l.item_id = s.item_id AND l.store_id = s.store_id
		WHERE COALESCE(s.quantity, 0) <> COALESCE(l.total, 0)
		ORDER BY 1, 2, 3`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var drift []StockDrift
	for rows.Next() {
		var d StockDrift
		if err := rows.Scan(&d.TenantID, &d.ItemID, &d.StoreID, &d.Level, &d.LedgerSum); err != nil {
			return nil, err
		}
		drift = append(drift, d)
	}
	return drift, rows.Err()
}

// TxStore implements LedgerStore on an open transaction.
type TxStore struct {
	db DBTX
}

// NewTxStore binds a LedgerStore to tx.
func NewTxStore(tx DBTX) *TxStore {
	return &TxStore{db: tx}
}

var _ LedgerStore = (*TxStore)(nil)

// InsertTransaction appends a ledger row.
func (s *TxStore) InsertTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	err := s.db.QueryRow(ctx, `INSERT INTO transactions (id, tenant_id, direction, item_id, store_id, quantity, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at`,
		t.ID, t.TenantID, string(t.Direction), t.ItemID, t.StoreID, t.Quantity, t.ReferenceID).Scan(&t.CreatedAt)
	if err != nil {
		return Transaction{}, err
	}
	return t, nil
}

// AdjustStock moves the per-store level and the item's on-hand total by delta and returns
// the new per-store level.
func (s *TxStore) AdjustStock(ctx context.Context, tenantID, itemID, storeID string, delta int64) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE inventory_items SET quantity = quantity + $3 WHERE tenant_id=$1 AND id=$2`, tenantID, itemID, delta)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("inventory item %s: %w", itemID, shared.ErrNotFound)
	}
	var level int64
	err = s.db.QueryRow(ctx, `INSERT INTO stock_levels (tenant_id, item_id, store_id, quantity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, item_id, store_id) DO UPDATE SET quantity = stock_levels.quantity + EXCLUDED.quantity
		RETURNING quantity`, tenantID, itemID, storeID, delta).Scan(&level)
	if err != nil {
		return 0, err
	}
	return level, nil
}
