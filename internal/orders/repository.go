package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/orderflow/internal/inventory"
	"github.com/odyssey-erp/orderflow/internal/platform/db"
	"github.com/odyssey-erp/orderflow/internal/shared"
)

const orderColumns = `id, tenant_id, kind, number, counterparty_id, status, record_status,
	expected_date, settled_date, created_at, updated_at, version`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ RepositoryPort = (*Repository)(nil)

type txRepo struct {
	*inventory.TxStore
	tx pgx.Tx
}

var _ TxRepository = (*txRepo)(nil)

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{TxStore: inventory.NewTxStore(tx), tx: tx})
	})
}

// Get returns an order and its items.
func (r *Repository) Get(ctx context.Context, tenantID string, kind Kind, id string) (Order, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE tenant_id=$1 AND kind=$2 AND id=$3`, tenantID, string(kind), id))
	if err != nil {
		return Order{}, notFound(err, kind, id)
	}
	items, err := loadItems(ctx, r.pool, []string{order.ID})
	if err != nil {
		return Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

// List returns a filtered page of orders with their items and the total match count.
func (r *Repository) List(ctx context.Context, tenantID string, kind Kind, filter ListFilter) ([]Order, int, error) {
	where := []string{"tenant_id=$1", "kind=$2"}
	args := []any{tenantID, string(kind)}
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.Status != "" {
		add("status=?", string(filter.Status))
	}
	if filter.CounterpartyID != "" {
		add("counterparty_id=?", filter.CounterpartyID)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		add("number ILIKE ?", "%"+search+"%")
	}
	switch {
	case filter.RecordStatus != "":
		add("record_status=?", string(filter.RecordStatus))
	case !filter.IncludeArchived:
		add("record_status=?", string(RecordActive))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		orderColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		orders []Order
		ids    []string
	)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return orders, total, nil
	}
	items, err := loadItems(ctx, r.pool, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, total, nil
}

func (t *txRepo) GetForUpdate(ctx context.Context, tenantID string, kind Kind, id string) (Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE tenant_id=$1 AND kind=$2 AND id=$3 FOR UPDATE`, tenantID, string(kind), id))
	if err != nil {
		return Order{}, notFound(err, kind, id)
	}
	items, err := loadItems(ctx, t.tx, []string{order.ID})
	if err != nil {
		return Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

func (t *txRepo) InsertOrder(ctx context.Context, o Order) (Order, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO orders (id, tenant_id, kind, number, counterparty_id, status, record_status,
		expected_date, settled_date, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), 1)
		RETURNING created_at, updated_at, version`,
		o.ID, o.TenantID, string(o.Kind), o.Number, o.CounterpartyID, string(o.Status), string(o.RecordStatus),
		o.ExpectedDate, o.SettledDate).Scan(&o.CreatedAt, &o.UpdatedAt, &o.Version)
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

// UpdateOrder writes the mutable header columns and bumps the version. The row must
// still be at o.Version.
func (t *txRepo) UpdateOrder(ctx context.Context, o Order) (Order, error) {
	err := t.tx.QueryRow(ctx, `UPDATE orders SET counterparty_id=$3, status=$4, record_status=$5,
		expected_date=$6, settled_date=$7, version=version+1, updated_at=NOW()
		WHERE tenant_id=$1 AND id=$2 AND version=$8
		RETURNING updated_at, version`,
		o.TenantID, o.ID, o.CounterpartyID, string(o.Status), string(o.RecordStatus),
		o.ExpectedDate, o.SettledDate, o.Version).Scan(&o.UpdatedAt, &o.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fmt.Errorf("order %s: %w", o.ID, shared.ErrConcurrencyConflict)
		}
		return Order{}, err
	}
	return o, nil
}

func (t *txRepo) DeleteItems(ctx context.Context, orderID string, ids []string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM order_items WHERE order_id=$1 AND id = ANY($2)`, orderID, ids)
	return err
}

func (t *txRepo) UpdateItem(ctx context.Context, item LineItem) error {
	tag, err := t.tx.Exec(ctx, `UPDATE order_items SET inventory_item_id=$3, store_id=$4, quantity=$5, unit_price=$6::numeric
		WHERE order_id=$1 AND id=$2`,
		item.OrderID, item.ID, item.InventoryItemID, item.StoreID, item.Quantity, item.UnitPrice.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order item %s: %w", item.ID, shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) InsertItem(ctx context.Context, item LineItem) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO order_items (id, order_id, inventory_item_id, store_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5, $6::numeric)`,
		item.ID, item.OrderID, item.InventoryItemID, item.StoreID, item.Quantity, item.UnitPrice.String())
	return err
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o                    Order
		kind, status, record string
	)
	err := row.Scan(&o.ID, &o.TenantID, &kind, &o.Number, &o.CounterpartyID, &status, &record,
		&o.ExpectedDate, &o.SettledDate, &o.CreatedAt, &o.UpdatedAt, &o.Version)
	if err != nil {
		return Order{}, err
	}
	o.Kind, o.Status, o.RecordStatus = Kind(kind), Status(status), RecordStatus(record)
	return o, nil
}

func loadItems(ctx context.Context, q inventory.DBTX, orderIDs []string) (map[string][]LineItem, error) {
	rows, err := q.Query(ctx, `SELECT id, order_id, inventory_item_id, store_id, quantity, unit_price::text
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, id`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]LineItem, len(orderIDs))
	for rows.Next() {
		var (
			item  LineItem
			price string
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.InventoryItemID, &item.StoreID, &item.Quantity, &price); err != nil {
			return nil, err
		}
		item.UnitPrice, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("orders: parse unit price: %w", err)
		}
		out[item.OrderID] = append(out[item.OrderID], item)
	}
	return out, rows.Err()
}

func notFound(err error, kind Kind, id string) error {
	if db.IsMissing(err) {
		return fmt.Errorf("%s order %s: %w", kind, id, shared.ErrNotFound)
	}
	return err
}
