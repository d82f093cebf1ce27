// Package postgres implements the durable posterior store over PostgreSQL:
// campaigns and arms, per-arm Beta posteriors with a spend ledger, the
// idempotent metric log, the append-only allocation change log, and the
// intended-allocation crash-recovery journal.
//
// All writes are transactional. Posterior updates take a FOR UPDATE row
// lock so concurrent ingest batches for the same arm serialize; snapshot
// reads never block writers.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrLockTimeout marks a write that lost a lock-wait race. The scheduler
// retries once with a fresh snapshot before escalating the campaign.
var ErrLockTimeout = errors.New("row lock wait timed out")

// Store is the single handle to the relational state. Safe for concurrent
// use; every method applies the configured write deadline.
type Store struct {
	db           *sql.DB
	writeTimeout time.Duration
}

// NewStore wraps an open connection pool. writeTimeout bounds every durable
// write; zero falls back to 5s.
func NewStore(db *sql.DB, writeTimeout time.Duration) *Store {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Store{db: db, writeTimeout: writeTimeout}
}

// DB exposes the underlying pool for collaborators that run their own
// read-only queries (ETL exporter, retention sweeper).
func (s *Store) DB() *sql.DB { return s.db }

// withDeadline derives the bounded write context.
func (s *Store) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.writeTimeout)
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// classifyErr maps driver errors onto the store's sentinel errors.
// 55P03 is lock_not_available, 57014 is query_canceled (statement timeout
// while waiting on a lock).
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03", "57014":
			return fmt.Errorf("%w: %v", ErrLockTimeout, err)
		}
	}
	return err
}
