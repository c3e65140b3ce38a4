package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func noRows() rowStub {
	return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
}

// poolStub implements postgres.PgxPool for tests. QueryRow pops rows in
// call order so multi-query operations can be scripted.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	rows     []rowStub
	queryErr error
	tx       *txStub
	beginErr error
	pingErr  error
}

func (p *poolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if len(p.rows) == 0 {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	row := p.rows[0]
	p.rows = p.rows[1:]
	return row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, p.queryErr
}

func (p *poolStub) Begin(_ context.Context) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{}
	}
	return p.tx, nil
}

func (p *poolStub) Ping(_ context.Context) error { return p.pingErr }

// txStub implements the subset of pgx.Tx the store touches; the embedded
// interface panics on anything else, which a correct store never calls.
type txStub struct {
	pgx.Tx
	rows      []rowStub
	execTags  []pgconn.CommandTag
	execErr   error
	committed bool
	rolled    bool
}

func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if len(t.rows) == 0 {
		return rowStub{scan: func(_ ...any) error { return errors.New("no tx row configured") }}
	}
	row := t.rows[0]
	t.rows = t.rows[1:]
	return row
}

func (t *txStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	if len(t.execTags) == 0 {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	tag := t.execTags[0]
	t.execTags = t.execTags[1:]
	return tag, nil
}

func (t *txStub) Commit(_ context.Context) error   { t.committed = true; return nil }
func (t *txStub) Rollback(_ context.Context) error { t.rolled = true; return nil }
