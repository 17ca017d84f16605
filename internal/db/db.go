// Package db provides the pooled MySQL accessor every saver writes through:
// retrying query execution for deadlocks and lock-wait timeouts, transaction
// scopes, FOR UPDATE reads and the global table lock order.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/ymatsuda/keirin-data/internal/config"
)

// MySQL error numbers the accessor retries. Anything else propagates
// immediately.
const (
	errDeadlock        = 1213
	errLockWaitTimeout = 1205
)

// maxRetryAttempts bounds the retry loop around every query path.
const maxRetryAttempts = 3

// retryBaseDelay is multiplied by (attempt+1) between retries.
const retryBaseDelay = 500 * time.Millisecond

// Accessor wraps the connection pool with retrying execution helpers and the
// lock-order configuration savers consult for multi-table writes.
type Accessor struct {
	db        *sqlx.DB
	lockOrder map[string]int
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
}

// New opens and validates the connection pool.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Accessor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := sqlx.Open("mysql", cfg.MySQL.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MySQL.PoolSize)
	pool.SetMaxIdleConns(cfg.MySQL.PoolSize)
	pool.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewWithDB(pool, cfg.LockOrder, logger), nil
}

// NewWithDB wraps an existing pool. Used by tests with sqlmock.
func NewWithDB(pool *sqlx.DB, lockOrder []string, logger *slog.Logger) *Accessor {
	if logger == nil {
		logger = slog.Default()
	}
	order := make(map[string]int, len(lockOrder))
	for i, table := range lockOrder {
		order[table] = i
	}
	return &Accessor{
		db:        pool,
		lockOrder: order,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Close releases the pool.
func (a *Accessor) Close() error {
	return a.db.Close()
}

// DB exposes the underlying pool for schema tooling.
func (a *Accessor) DB() *sqlx.DB {
	return a.db
}

// Select runs a read query into dest, retrying deadlock-class errors.
func (a *Accessor) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return a.withRetry(ctx, query, func() error {
		return a.db.SelectContext(ctx, dest, query, args...)
	})
}

// Get runs a single-row read into dest. sql.ErrNoRows passes through so
// callers can distinguish absence.
func (a *Accessor) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return a.withRetry(ctx, query, func() error {
		return a.db.GetContext(ctx, dest, query, args...)
	})
}

// Exec runs a write statement on its own auto-committed connection,
// retrying deadlock-class errors.
func (a *Accessor) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := a.withRetry(ctx, query, func() error {
		var execErr error
		res, execErr = a.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// InTransaction opens a transaction, invokes fn, commits on success and
// rolls back on any error. The whole scope is retried on deadlock or
// lock-wait timeout because MySQL aborts the transaction, not just the
// statement.
func (a *Accessor) InTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return a.withRetry(ctx, "transaction", func() error {
		tx, err := a.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				a.logger.Warn("rollback failed", "error", rbErr)
			}
			return err
		}
		return tx.Commit()
	})
}

// SelectForUpdate runs a locking read inside a caller-owned transaction,
// appending FOR UPDATE when the query does not already carry it.
func (a *Accessor) SelectForUpdate(ctx context.Context, tx *sqlx.Tx, dest interface{}, query string, args ...interface{}) error {
	if tx == nil {
		return fmt.Errorf("SelectForUpdate requires an open transaction")
	}
	if !strings.Contains(strings.ToUpper(query), "FOR UPDATE") {
		query = strings.TrimRight(strings.TrimSpace(query), ";") + " FOR UPDATE"
	}
	return tx.SelectContext(ctx, dest, query, args...)
}

// OrderTables sorts tables by the configured lock order. Tables missing from
// the order keep their relative position at the end, with a warning, so a
// stale config degrades instead of failing.
func (a *Accessor) OrderTables(tables []string) []string {
	known := make([]string, 0, len(tables))
	unknown := make([]string, 0)
	for _, t := range tables {
		if _, ok := a.lockOrder[t]; ok {
			known = append(known, t)
		} else {
			a.logger.Warn("table missing from lock order, appending last", "table", t)
			unknown = append(unknown, t)
		}
	}
	for i := 1; i < len(known); i++ {
		for j := i; j > 0 && a.lockOrder[known[j]] < a.lockOrder[known[j-1]]; j-- {
			known[j], known[j-1] = known[j-1], known[j]
		}
	}
	return append(known, unknown...)
}

// withRetry runs fn up to maxRetryAttempts times, sleeping a linear
// (attempt+1)·500ms between attempts. Only deadlocks (1213) and lock wait
// timeouts (1205) are retried.
func (a *Accessor) withRetry(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isRetryable(err) {
			return err
		}
		a.logger.Warn("retryable database error",
			"attempt", attempt+1, "query", firstLine(what), "error", err)
		if attempt < maxRetryAttempts-1 {
			if sleepErr := a.sleep(ctx, time.Duration(attempt+1)*retryBaseDelay); sleepErr != nil {
				return sleepErr
			}
		}
	}
	return err
}

// isRetryable reports whether err is a MySQL deadlock or lock-wait timeout.
func isRetryable(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == errDeadlock || mysqlErr.Number == errLockWaitTimeout
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
