package masterdata

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/orderflow/internal/platform/db"
	"github.com/odyssey-erp/orderflow/internal/shared"
)

// Repository reads counterparties from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetActiveCounterparty returns the counterparty when it exists and is ACTIVE. Missing and
// archived counterparties both report shared.ErrNotFound.
func (r *Repository) GetActiveCounterparty(ctx context.Context, tenantID string, kind CounterpartyKind, id string) (Counterparty, error) {
	if !kind.Valid() {
		return Counterparty{}, fmt.Errorf("masterdata: unknown counterparty kind %q", kind)
	}
	c := Counterparty{Kind: kind}
	query := `SELECT id, code, name, record_status FROM ` + kind.table() + ` WHERE tenant_id=$1 AND id=$2`
	err := r.pool.QueryRow(ctx, query, tenantID, id).Scan(&c.ID, &c.Code, &c.Name, &c.RecordStatus)
	if err != nil {
		if db.IsMissing(err) {
			return Counterparty{}, fmt.Errorf("%s %s: %w", kind, id, shared.ErrNotFound)
		}
		return Counterparty{}, err
	}
	if !c.Active() {
		return Counterparty{}, fmt.Errorf("%s %s is archived: %w", kind, id, shared.ErrNotFound)
	}
	return c, nil
}
