package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres SQLSTATE codes the repositories react to.
const (
	CodeUniqueViolation           = "23505"
	CodeForeignKeyViolation       = "23503"
	CodeInvalidTextRepresentation = "22P02"
	CodeSerializationFailure      = "40001"
	CodeDeadlockDetected          = "40P01"
)

// Beginner is satisfied by *pgxpool.Pool and allows tests to substitute a fake.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

var _ Beginner = (*pgxpool.Pool)(nil)

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
// The transaction is rolled back when fn or the commit fails.
func WithTx(ctx context.Context, pool Beginner, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// PgCode returns the SQLSTATE carried by err, if any.
func PgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// ConstraintName returns the violated constraint carried by err, if any.
func ConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// IsMissing reports whether a lookup found no row. An id the column type cannot parse,
// such as a malformed uuid, cannot match a row either.
func IsMissing(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || PgCode(err) == CodeInvalidTextRepresentation
}

// IsRetryable reports whether err is a serialization or deadlock failure.
func IsRetryable(err error) bool {
	switch PgCode(err) {
	case CodeSerializationFailure, CodeDeadlockDetected:
		return true
	}
	return false
}
