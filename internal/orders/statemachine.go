package orders

import (
	"fmt"

	"github.com/odyssey-erp/orderflow/internal/shared"
)

// ValidStatus reports whether s belongs to kind's workflow.
func ValidStatus(kind Kind, s Status) bool {
	switch s {
	case StatusPending, StatusCanceled:
		return true
	case kind.SettledStatus():
		return true
	}
	return false
}

// CanTransition checks the workflow edge from the order's current status to to. Every
// edge requires an ACTIVE record and the settled status is terminal.
func CanTransition(o Order, to Status) error {
	if !ValidStatus(o.Kind, to) {
		return fmt.Errorf("%w: unknown %s order status %q", shared.ErrInvalidTransition, o.Kind, to)
	}
	if o.RecordStatus != RecordActive {
		return fmt.Errorf("%w: order %s is archived", shared.ErrInvalidTransition, o.Number)
	}
	settled := o.Kind.SettledStatus()
	allowed := false
	switch o.Status {
	case StatusPending:
		allowed = to == settled || to == StatusCanceled
	case StatusCanceled:
		allowed = to == settled || to == StatusPending
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", shared.ErrInvalidTransition, o.Status, to)
	}
	return nil
}

// ReachesSettlement reports whether moving to to triggers the ledger side effect.
func ReachesSettlement(o Order, to Status) bool {
	return to == o.Kind.SettledStatus() && o.Status != to
}

// CanEdit checks that items, counterparty and dates may still be replaced.
func CanEdit(o Order) error {
	if o.RecordStatus != RecordActive {
		return fmt.Errorf("%w: order %s is archived", shared.ErrInvalidTransition, o.Number)
	}
	if o.Settled() {
		return fmt.Errorf("%w: order %s is %s and read-only", shared.ErrInvalidTransition, o.Number, o.Status)
	}
	return nil
}

// CanArchive allows ACTIVE -> ARCHIVED unless the order settled.
func CanArchive(o Order) error {
	if o.RecordStatus == RecordArchived {
		return fmt.Errorf("%w: order %s is already archived", shared.ErrInvalidTransition, o.Number)
	}
	if o.Settled() {
		return fmt.Errorf("%w: %s orders cannot be archived", shared.ErrInvalidTransition, o.Status)
	}
	return nil
}

// CanRestore allows ARCHIVED -> ACTIVE.
func CanRestore(o Order) error {
	if o.RecordStatus != RecordArchived {
		return fmt.Errorf("%w: order %s is not archived", shared.ErrInvalidTransition, o.Number)
	}
	return nil
}
