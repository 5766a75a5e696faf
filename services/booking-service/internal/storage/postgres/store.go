// Package postgres implements storage.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/bookingsync/libs/db"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
)

//go:embed schema.sql
var schema string

// dbtx is satisfied by both the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool   *db.Pool
	outbox *outbox.Repository
	q      dbtx
	tx     pgx.Tx
}

var _ storage.Store = (*Store)(nil)

func New(pool *db.Pool) *Store {
	return &Store{pool: pool, outbox: outbox.NewRepository(pool), q: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(q storage.Queries) error) error {
	if s.tx != nil {
		return fn(s)
	}
	return s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&Store{pool: s.pool, outbox: s.outbox, q: tx, tx: tx})
	})
}

func (s *Store) InsertOutboxEvent(ctx context.Context, evt outbox.Event) error {
	if s.tx != nil {
		return s.outbox.Insert(ctx, s.tx, evt)
	}
	return s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return s.outbox.Insert(ctx, tx, evt)
	})
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsNotFound(err):
		return storage.ErrNotFound
	case db.IsExclusionViolation(err):
		return storage.ErrOverlap
	case db.IsUniqueViolation(err):
		return storage.ErrDuplicate
	}
	return err
}

func expectOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
