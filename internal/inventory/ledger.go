package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/odyssey-erp/orderflow/internal/shared"
)

// LedgerStore is the transactional persistence the ledger writes through. Implementations
// must run both calls in the caller's transaction.
type LedgerStore interface {
	InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	AdjustStock(ctx context.Context, tenantID, itemID, storeID string, delta int64) (int64, error)
}

// LedgerConfig groups ledger policy settings.
type LedgerConfig struct {
	// AllowNegativeStock keeps overselling permitted when true.
	AllowNegativeStock bool
}

// Ledger appends stock movements. Stock is never adjusted without a Transaction row.
type Ledger struct {
	allowNeg bool
}

// NewLedger builds a Ledger.
func NewLedger(cfg LedgerConfig) *Ledger {
	return &Ledger{allowNeg: cfg.AllowNegativeStock}
}

// Apply appends the transaction row and adjusts stock by the signed quantity.
func (l *Ledger) Apply(ctx context.Context, store LedgerStore, entry Entry) (Transaction, error) {
	if store == nil {
		return Transaction{}, errors.New("inventory: ledger store required")
	}
	verr := &shared.ValidationError{}
	if entry.TenantID == "" {
		verr.Add("tenant_id", "is required")
	}
	if entry.ItemID == "" {
		verr.Add("item_id", "is required")
	}
	if entry.StoreID == "" {
		verr.Add("store_id", "is required")
	}
	if entry.ReferenceID == "" {
		verr.Add("reference_id", "is required")
	}
	if !entry.Direction.Valid() {
		verr.Add("direction", "must be IN or OUT")
	}
	if entry.Quantity <= 0 {
		verr.Add("quantity", ErrInvalidQuantity.Error())
	}
	if verr.HasErrors() {
		return Transaction{}, verr
	}

	tx, err := store.InsertTransaction(ctx, Transaction{
		TenantID:    entry.TenantID,
		Direction:   entry.Direction,
		ItemID:      entry.ItemID,
		StoreID:     entry.StoreID,
		Quantity:    entry.Quantity,
		ReferenceID: entry.ReferenceID,
	})
	if err != nil {
		return Transaction{}, fmt.Errorf("inventory: insert transaction: %w", err)
	}
	level, err := store.AdjustStock(ctx, entry.TenantID, entry.ItemID, entry.StoreID, tx.Signed())
	if err != nil {
		return Transaction{}, fmt.Errorf("inventory: adjust stock: %w", err)
	}
	if !l.allowNeg && level < 0 {
		return Transaction{}, &shared.ValidationError{
			Fields: []shared.FieldError{{
				Field:   "quantity",
				Message: fmt.Sprintf("stock for item %s at store %s would become %d", entry.ItemID, entry.StoreID, level),
			}},
			Cause: ErrNegativeStock,
		}
	}
	return tx, nil
}
