// Package orders implements purchase and sales order lifecycles and their stock side
// effects.
package orders

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/orderflow/internal/inventory"
	"github.com/odyssey-erp/orderflow/internal/masterdata"
	"github.com/odyssey-erp/orderflow/internal/shared"
)

// Kind selects purchase or sales order semantics.
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindSales    Kind = "sales"
)

// ParseKind validates a kind string.
func ParseKind(raw string) (Kind, error) {
	k := Kind(raw)
	if !k.Valid() {
		return "", shared.NewValidationError("kind", fmt.Sprintf("unknown order kind %q", raw))
	}
	return k, nil
}

// Valid reports whether k is known.
func (k Kind) Valid() bool {
	return k == KindPurchase || k == KindSales
}

// SettledStatus is RECEIVED for purchase orders and FULFILLED for sales orders.
func (k Kind) SettledStatus() Status {
	if k == KindSales {
		return StatusFulfilled
	}
	return StatusReceived
}

// Direction is the ledger direction applied when an order of this kind settles.
func (k Kind) Direction() inventory.Direction {
	if k == KindSales {
		return inventory.DirectionOut
	}
	return inventory.DirectionIn
}

// CounterpartyKind returns the counterparty an order of this kind references.
func (k Kind) CounterpartyKind() masterdata.CounterpartyKind {
	if k == KindSales {
		return masterdata.KindCustomer
	}
	return masterdata.KindSupplier
}

// CacheEntity names the cache segment holding this kind's read views.
func (k Kind) CacheEntity() string {
	return string(k) + "_orders"
}

// Status is the workflow status of an order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusReceived  Status = "RECEIVED"
	StatusFulfilled Status = "FULFILLED"
	StatusCanceled  Status = "CANCELED"
)

// RecordStatus is the soft-delete flag of an order.
type RecordStatus string

const (
	RecordActive   RecordStatus = "ACTIVE"
	RecordArchived RecordStatus = "ARCHIVED"
)

// Mode selects create or update semantics for a submission.
type Mode string

const (
	ModeCreate Mode = "CREATE"
	ModeUpdate Mode = "UPDATE"
)

// Order is a purchase or sales order with its line items.
type Order struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"-"`
	Kind           Kind         `json:"kind"`
	Number         string       `json:"number"`
	CounterpartyID string       `json:"counterparty_id"`
	Status         Status       `json:"status"`
	RecordStatus   RecordStatus `json:"record_status"`
	ExpectedDate   *time.Time   `json:"expected_date,omitempty"`
	SettledDate    *time.Time   `json:"settled_date,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Version        int64        `json:"version"`
	Items          []LineItem   `json:"items"`
}

// Total sums the line totals.
func (o Order) Total() decimal.Decimal {
	return Total(o.Items)
}

// Settled reports whether the order reached its terminal settled status.
func (o Order) Settled() bool {
	return o.Status == o.Kind.SettledStatus()
}

// Lines wraps the items in their kind specific line type.
func (o Order) Lines() []Line {
	lines := make([]Line, 0, len(o.Items))
	for _, item := range o.Items {
		if o.Kind == KindSales {
			lines = append(lines, SalesOrderItem{LineItem: item})
		} else {
			lines = append(lines, PurchaseOrderItem{LineItem: item})
		}
	}
	return lines
}

// MarshalJSON adds the computed total.
func (o Order) MarshalJSON() ([]byte, error) {
	type order Order
	return json.Marshal(struct {
		order
		Total decimal.Decimal `json:"total"`
	}{order: order(o), Total: o.Total()})
}

// LineItem is one (inventory item, store, quantity, price) entry of an order.
type LineItem struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	InventoryItemID string          `json:"inventory_item_id"`
	StoreID         string          `json:"store_id"`
	Quantity        int64           `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
}

// LineTotal is quantity times unit price.
func (l LineItem) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

// Total sums LineTotal over items.
func Total(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// Line is the behaviour shared by purchase and sales order items.
type Line interface {
	LineTotal() decimal.Decimal
	Direction() inventory.Direction
	Entry(tenantID string) inventory.Entry
}

// PurchaseOrderItem is a line that receives stock.
type PurchaseOrderItem struct {
	LineItem
}

func (PurchaseOrderItem) Direction() inventory.Direction { return inventory.DirectionIn }

// Entry builds the ledger movement for the line.
func (p PurchaseOrderItem) Entry(tenantID string) inventory.Entry {
	return entryFor(tenantID, p.LineItem, p.Direction())
}

// SalesOrderItem is a line that issues stock.
type SalesOrderItem struct {
	LineItem
}

func (SalesOrderItem) Direction() inventory.Direction { return inventory.DirectionOut }

// Entry builds the ledger movement for the line.
func (s SalesOrderItem) Entry(tenantID string) inventory.Entry {
	return entryFor(tenantID, s.LineItem, s.Direction())
}

func entryFor(tenantID string, item LineItem, dir inventory.Direction) inventory.Entry {
	return inventory.Entry{
		TenantID:    tenantID,
		ItemID:      item.InventoryItemID,
		StoreID:     item.StoreID,
		Direction:   dir,
		Quantity:    item.Quantity,
		ReferenceID: item.OrderID,
	}
}

// Header carries the order fields a caller may set.
type Header struct {
	Number         string     `json:"number" validate:"required,max=64"`
	CounterpartyID string     `json:"counterparty_id" validate:"required"`
	ExpectedDate   *time.Time `json:"expected_date,omitempty"`
}

// LineInput is a submitted line. A nil UnitPrice copies the inventory item's reference
// price. ID is set only for lines that already belong to the order.
type LineInput struct {
	ID              string           `json:"id,omitempty"`
	InventoryItemID string           `json:"inventory_item_id" validate:"required"`
	StoreID         string           `json:"store_id" validate:"required"`
	Quantity        int64            `json:"quantity" validate:"gt=0"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
}

// Submission is a create or update request for one order.
type Submission struct {
	Kind            Kind        `json:"kind" validate:"required"`
	Mode            Mode        `json:"mode" validate:"required,oneof=CREATE UPDATE"`
	OrderID         string      `json:"id" validate:"required_if=Mode UPDATE"`
	ExpectedVersion int64       `json:"version" validate:"gte=0"`
	Header          Header      `json:"header"`
	Items           []LineInput `json:"items" validate:"required,min=1,dive"`
	TargetStatus    *Status     `json:"status,omitempty"`
}

// ListFilter narrows order listings. Archived orders are excluded unless RecordStatus or
// IncludeArchived says otherwise.
type ListFilter struct {
	Status          Status
	CounterpartyID  string
	Search          string
	RecordStatus    RecordStatus
	IncludeArchived bool
	Page            int
	PerPage         int
}

// ListResult is one page of orders.
type ListResult struct {
	Orders     []Order           `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

// Event types delivered to the notifier.
const (
	EventCreated       = "order.created"
	EventUpdated       = "order.updated"
	EventStatusChanged = "order.status_changed"
	EventArchived      = "order.archived"
	EventRestored      = "order.restored"
)

// Event describes a committed order change.
type Event struct {
	Type     string       `json:"type"`
	TenantID string       `json:"tenant_id"`
	ActorID  string       `json:"actor_id,omitempty"`
	OrderID  string       `json:"order_id"`
	Kind     Kind         `json:"kind"`
	Number   string       `json:"number"`
	Status   Status       `json:"status"`
	Record   RecordStatus `json:"record_status"`
	Total    string       `json:"total"`
}
