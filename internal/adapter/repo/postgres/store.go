package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/compute-marketplace/internal/domain"
)

// Store implements domain.Store over a pgx pool.
type Store struct{ Pool PgxPool }

// New constructs a Store with the given pool.
func New(pool PgxPool) *Store { return &Store{Pool: pool} }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx domain.Context) error {
	if err := s.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("op=store.ping: %v: %w", err, domain.ErrUnavailable)
	}
	return nil
}

const uniqueViolation = "23505"

// translate maps engine errors onto the sentinel taxonomy. Unique violations
// are conflicts; cancelled contexts and connection failures are transient.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("op=%s: %v: %w", op, err, domain.ErrTransient)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return fmt.Errorf("op=%s: %w", op, domain.ErrConflict)
		}
		return fmt.Errorf("op=%s: %w", op, err)
	}
	return fmt.Errorf("op=%s: %v: %w", op, err, domain.ErrTransient)
}

// inTx runs fn inside one transaction, rolling back on error.
func (s *Store) inTx(ctx domain.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return translate(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translate(op, err)
	}
	return nil
}
