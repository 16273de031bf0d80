package engine

import (
	"context"
	"sync"

	"nestwrite/internal/storage"
)

// txn commits or rolls back one storage session exactly once.
type txn struct {
	sess      storage.Session
	hasError  bool
	finalized bool
	mu        sync.Mutex
}

func newTxn(sess storage.Session) *txn {
	return &txn{sess: sess}
}

func (t *txn) markError() {
	t.mu.Lock()
	t.hasError = true
	t.mu.Unlock()
}

// finalize commits unless an error was marked. Rollback runs on a context
// that survives cancellation of ctx. A failed commit is rolled back too.
func (t *txn) finalize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return nil
	}
	t.finalized = true

	if t.hasError {
		return t.sess.Rollback(context.WithoutCancel(ctx))
	}
	if err := ctx.Err(); err != nil {
		t.hasError = true
		_ = t.sess.Rollback(context.WithoutCancel(ctx))
		return err
	}
	if err := t.sess.Commit(ctx); err != nil {
		t.hasError = true
		_ = t.sess.Rollback(context.WithoutCancel(ctx))
		return err
	}
	return nil
}
