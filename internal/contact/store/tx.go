package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"

	"contactlink/internal/contact/service"
	dErrors "contactlink/pkg/domain-errors"
)

// defaultTxTimeout is the maximum duration for an identify transaction.
const defaultTxTimeout = 5 * time.Second

// InMemoryTxManager runs each transaction against a staged copy of the store
// under a single lock and installs the copy only when fn succeeds, so a
// failed reconciliation leaves nothing behind. The closure's key set is only
// known after the read, so the lock cannot be sharded by key.
type InMemoryTxManager struct {
	mu      sync.Mutex
	store   *InMemory
	timeout time.Duration
}

func NewInMemoryTxManager(store *InMemory, timeout time.Duration) *InMemoryTxManager {
	return &InMemoryTxManager{store: store, timeout: timeout}
}

func (t *InMemoryTxManager) RunInTx(ctx context.Context, fn func(store service.Store) error) error {
	ctx, cancel, err := begin(ctx, t.timeout)
	if err != nil {
		return err
	}
	defer cancel()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Check again after acquiring lock
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	staged := t.store.snapshot()
	if err := fn(staged); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted before commit")
	}
	t.store.replaceWith(staged)
	return nil
}

// PostgresTxManager runs each transaction in a database transaction bound to
// a PostgresStore. Any error rolls back every write.
type PostgresTxManager struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresTxManager(db *sql.DB, timeout time.Duration) *PostgresTxManager {
	return &PostgresTxManager{db: db, timeout: timeout}
}

// maxTxAttempts bounds retries of transactions aborted by deadlock detection
// or serialization failure. Two requests entering one cluster through
// different attributes can lock its rows in opposite orders.
const maxTxAttempts = 3

func (t *PostgresTxManager) RunInTx(ctx context.Context, fn func(store service.Store) error) error {
	ctx, cancel, err := begin(ctx, t.timeout)
	if err != nil {
		return err
	}
	defer cancel()

	for attempt := 1; ; attempt++ {
		err = t.runOnce(ctx, fn)
		if err == nil || attempt == maxTxAttempts || !isRetryable(err) {
			return err
		}
	}
}

func (t *PostgresTxManager) runOnce(ctx context.Context, fn func(store service.Store) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(NewPostgresTx(tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40P01" || pqErr.Code == "40001"
}

// begin rejects cancelled contexts and applies the default timeout when the
// caller set no deadline.
func begin(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return ctx, func() {}, dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, nil
}
