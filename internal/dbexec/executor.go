// Package dbexec provides the query execution abstraction the SQL adapter
// runs its statements through.
package dbexec

import (
	"context"
	"database/sql"
	"errors"
)

// Rows abstracts sql.Rows to allow wrapped cleanup behavior.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// QueryExecutor abstracts SQL execution so callers can run the same
// statements against a transaction or a test double.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TxExecutor executes queries inside one database transaction.
type TxExecutor struct {
	tx *sql.Tx
}

// BeginTx starts a transaction on db and returns an executor bound to it.
func BeginTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions) (*TxExecutor, error) {
	if db == nil {
		return nil, sql.ErrConnDone
	}
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &TxExecutor{tx: tx}, nil
}

func (e *TxExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return e.tx.QueryContext(ctx, query, args...)
}

func (e *TxExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return e.tx.ExecContext(ctx, query, args...)
}

// Commit commits the transaction.
func (e *TxExecutor) Commit() error {
	return e.tx.Commit()
}

// Rollback aborts the transaction. Rolling back a finished transaction is
// not an error.
func (e *TxExecutor) Rollback() error {
	if err := e.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
