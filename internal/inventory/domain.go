package inventory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Direction enumerates ledger movement directions.
type Direction string

const (
	// DirectionIn increases on-hand stock.
	DirectionIn Direction = "IN"
	// DirectionOut decreases on-hand stock.
	DirectionOut Direction = "OUT"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Sign returns +1 for IN and -1 for OUT.
func (d Direction) Sign() int64 {
	if d == DirectionOut {
		return -1
	}
	return 1
}

// Item is an inventory item. Quantity is the authoritative on-hand total and only moves
// through ledger transactions.
type Item struct {
	ID          string          `json:"id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	CategoryID  string          `json:"category_id,omitempty"`
	Quantity    int64           `json:"quantity"`
	MinQuantity int64           `json:"min_quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// LowStock reports whether the item sits at or below its reorder threshold.
func (i Item) LowStock() bool {
	return i.MinQuantity > 0 && i.Quantity <= i.MinQuantity
}

// StockLevel is the on-hand quantity of an item at one store.
type StockLevel struct {
	ItemID   string `json:"item_id"`
	StoreID  string `json:"store_id"`
	Quantity int64  `json:"quantity"`
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"-"`
	Direction   Direction `json:"direction"`
	ItemID      string    `json:"item_id"`
	StoreID     string    `json:"store_id"`
	Quantity    int64     `json:"quantity"`
	ReferenceID string    `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Signed returns the quantity with the direction applied.
func (t Transaction) Signed() int64 {
	return t.Direction.Sign() * t.Quantity
}

// Entry describes a movement to append to the ledger.
type Entry struct {
	TenantID    string
	ItemID      string
	StoreID     string
	Direction   Direction
	Quantity    int64
	ReferenceID string
}

// Summary aggregates stock for dashboard views.
type Summary struct {
	ItemCount     int   `json:"item_count"`
	TotalQuantity int64 `json:"total_quantity"`
	LowStockCount int   `json:"low_stock_count"`
}

var (
	// ErrNegativeStock is returned when an OUT movement would take stock below zero and
	// negative stock is disabled.
	ErrNegativeStock = errors.New("inventory: negative stock not allowed")
	// ErrInvalidQuantity indicates a non-positive movement quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be greater than zero")
)

// StockDrift is a (item, store) pair whose stock level disagrees with its ledger sum.
type StockDrift struct {
	TenantID  string `json:"tenant_id"`
	ItemID    string `json:"item_id"`
	StoreID   string `json:"store_id"`
	Level     int64  `json:"level"`
	LedgerSum int64  `json:"ledger_sum"`
}
