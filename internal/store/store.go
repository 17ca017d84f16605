// Package store implements the batch savers the pipeline stages write
// through. Every multi-row write is a chunked INSERT … ON DUPLICATE KEY
// UPDATE; every multi-table save runs inside one transaction and writes its
// tables in the globally configured lock order so concurrent workers never
// deadlock each other.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ymatsuda/keirin-data/internal/db"
)

// defaultBatchSize chunks multi-row upserts so statements stay under the
// packet limit.
const defaultBatchSize = 100

// Store exposes the savers and extractor queries. All methods are safe for
// concurrent use; transaction scopes never share a connection across
// goroutines.
type Store struct {
	db        *db.Accessor
	logger    *slog.Logger
	batchSize int
}

// New creates a Store.
func New(accessor *db.Accessor, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: accessor, logger: logger, batchSize: defaultBatchSize}
}

// upsertSQL builds one multi-row INSERT … ON DUPLICATE KEY UPDATE statement.
// updateCols lists the non-key columns refreshed on conflict; an empty list
// produces a keep-existing upsert (the key column updates to itself).
func upsertSQL(table string, cols []string, rowCount int, updateCols []string) string {
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	rows := strings.TrimSuffix(strings.Repeat(placeholders+",", rowCount), ",")

	var update string
	if len(updateCols) == 0 {
		update = fmt.Sprintf("%s = %s", cols[0], cols[0])
	} else {
		parts := make([]string, len(updateCols))
		for i, c := range updateCols {
			parts[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		update = strings.Join(parts, ", ")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON DUPLICATE KEY UPDATE %s",
		table, strings.Join(cols, ", "), rows, update)
}

// execUpsert writes rows into table in chunks. ex is either the pool or a
// caller-owned transaction; in the latter case the caller commits.
func (s *Store) execUpsert(ctx context.Context, ex sqlx.ExtContext, table string, cols, updateCols []string, rows [][]interface{}) error {
	for start := 0; start < len(rows); start += s.batchSize {
		end := start + s.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		args := make([]interface{}, 0, len(chunk)*len(cols))
		for _, row := range chunk {
			args = append(args, row...)
		}

		query := upsertSQL(table, cols, len(chunk), updateCols)
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	return nil
}

// tableWriter pairs a table with its write function for lock-ordered
// multi-table saves.
type tableWriter struct {
	table string
	write func(tx *sqlx.Tx) error
}

// writeInLockOrder runs the writers inside one transaction, ordered by the
// configured lock order.
func (s *Store) writeInLockOrder(ctx context.Context, writers []tableWriter) error {
	byTable := make(map[string]tableWriter, len(writers))
	tables := make([]string, 0, len(writers))
	for _, w := range writers {
		byTable[w.table] = w
		tables = append(tables, w.table)
	}

	ordered := s.db.OrderTables(tables)
	return s.db.InTransaction(ctx, func(tx *sqlx.Tx) error {
		for _, table := range ordered {
			if err := byTable[table].write(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// inClause builds an IN (?,?,…) fragment and its args.
func inClause(ids []string) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
