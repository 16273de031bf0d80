// Package sqlstore is the relational storage adapter. It writes through one
// database transaction per session, using point INSERT, UPDATE, DELETE and
// SELECT statements built with squirrel. Foreign keys are enforced by the
// database.
package sqlstore

import (
	"context"
	"database/sql"

	"golang.org/x/sync/singleflight"

	"nestwrite/internal/dbexec"
	"nestwrite/internal/storage"
)

// Store is a storage.Adapter over a database/sql handle.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	txOptions *sql.TxOptions
	pings     singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithTxOptions sets the options every session transaction is started with.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(s *Store) {
		s.txOptions = opts
	}
}

// New returns a store writing to db in dialect.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Capabilities reports that the database enforces foreign keys.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{ForeignKeys: true}
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (storage.Session, error) {
	tx, err := dbexec.BeginTx(ctx, s.db, s.txOptions)
	if err != nil {
		return nil, err
	}
	return &session{dialect: s.dialect, tx: tx}, nil
}

// Ping checks the database connection. Concurrent callers share one round
// trip.
func (s *Store) Ping(ctx context.Context) error {
	_, err, _ := s.pings.Do("ping", func() (any, error) {
		if s.db == nil {
			return nil, sql.ErrConnDone
		}
		return nil, s.db.PingContext(ctx)
	})
	return err
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
