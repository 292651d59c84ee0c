// Package masterdata exposes the counterparties orders reference.
package masterdata

// CounterpartyKind distinguishes suppliers from customers.
type CounterpartyKind string

const (
	// KindSupplier is the counterparty of a purchase order.
	KindSupplier CounterpartyKind = "supplier"
	// KindCustomer is the counterparty of a sales order.
	KindCustomer CounterpartyKind = "customer"
)

// Valid reports whether k is a known counterparty kind.
func (k CounterpartyKind) Valid() bool {
	return k == KindSupplier || k == KindCustomer
}

func (k CounterpartyKind) table() string {
	if k == KindCustomer {
		return "customers"
	}
	return "suppliers"
}

// Record status of a counterparty.
const (
	StatusActive   = "ACTIVE"
	StatusArchived = "ARCHIVED"
)

// Counterparty is a supplier or customer.
type Counterparty struct {
	ID           string           `json:"id"`
	Kind         CounterpartyKind `json:"kind"`
	Code         string           `json:"code"`
	Name         string           `json:"name"`
	RecordStatus string           `json:"record_status"`
}

// Active reports whether the counterparty can be referenced by new writes.
func (c Counterparty) Active() bool {
	return c.RecordStatus == StatusActive
}
