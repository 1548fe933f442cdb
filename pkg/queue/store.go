// Package queue implements the Offline Operation Queue: a priority
// ordered, capacity-bounded, crash-safe buffer for commands issued
// while the MQTT session is not Connected.
package queue

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/merklekv/mobile/internal/errors"
	"github.com/merklekv/mobile/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS queued_operations (
	operation_id   TEXT PRIMARY KEY,
	operation_type TEXT NOT NULL,
	priority       INTEGER NOT NULL,
	command_data   BLOB NOT NULL,
	queued_at      INTEGER NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_priority_order ON queued_operations (priority DESC, queued_at ASC);
CREATE INDEX IF NOT EXISTS idx_queue_age ON queued_operations (queued_at ASC);
`

// Store is the embedded relational backing store for QueuedOperations,
// opened over database/sql via the pure-Go sqlite3 driver.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the queue database at path and ensures
// the schema exists.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(errors.InternalError, "open queue store", err)
	}
	db.SetMaxOpenConns(1) // single-writer transactions per the design

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.InternalError, "create queue schema", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StoreOperation persists a new QueuedOperation.
func (s *Store) StoreOperation(ctx context.Context, op types.QueuedOperation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_operations (operation_id, operation_type, priority, command_data, queued_at, attempts, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.OperationID, string(op.OperationType), int(op.Priority), op.CommandBytes, op.QueuedAtMs, op.Attempts, nullableString(op.LastError),
	)
	if err != nil {
		return errors.Wrap(errors.InternalError, "store queued operation", err)
	}
	return nil
}

// UpdateOperation persists attempts/last_error changes for an existing
// operation.
func (s *Store) UpdateOperation(ctx context.Context, op types.QueuedOperation) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queued_operations SET attempts = ?, last_error = ? WHERE operation_id = ?`,
		op.Attempts, nullableString(op.LastError), op.OperationID,
	)
	if err != nil {
		return errors.Wrap(errors.InternalError, "update queued operation", err)
	}
	return nil
}

// GetAllOperations returns every operation ordered by priority DESC,
// then queued_at ASC: the strict priority + FIFO drain order.
func (s *Store) GetAllOperations(ctx context.Context) ([]types.QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT operation_id, operation_type, priority, command_data, queued_at, attempts, last_error
		 FROM queued_operations ORDER BY priority DESC, queued_at ASC`)
	if err != nil {
		return nil, errors.Wrap(errors.InternalError, "list queued operations", err)
	}
	defer rows.Close()

	var out []types.QueuedOperation
	for rows.Next() {
		var op types.QueuedOperation
		var opType string
		var priority int
		var lastError sql.NullString
		if err := rows.Scan(&op.OperationID, &opType, &priority, &op.CommandBytes, &op.QueuedAtMs, &op.Attempts, &lastError); err != nil {
			return nil, errors.Wrap(errors.InternalError, "scan queued operation", err)
		}
		op.OperationType = types.Op(opType)
		op.Priority = types.Priority(priority)
		op.LastError = lastError.String
		out = append(out, op)
	}
	return out, rows.Err()
}

// RemoveOperation deletes a single operation by id.
func (s *Store) RemoveOperation(ctx context.Context, operationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queued_operations WHERE operation_id = ?`, operationID)
	if err != nil {
		return errors.Wrap(errors.InternalError, "remove queued operation", err)
	}
	return nil
}

// RemoveOperations deletes several operations in one transaction.
func (s *Store) RemoveOperations(ctx context.Context, operationIDs []string) error {
	if len(operationIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.InternalError, "begin remove transaction", err)
	}
	for _, id := range operationIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queued_operations WHERE operation_id = ?`, id); err != nil {
			tx.Rollback()
			return errors.Wrap(errors.InternalError, "remove queued operations", err)
		}
	}
	return tx.Commit()
}

// RemoveExpired deletes operations older than maxAge as of now, returning
// the count removed.
func (s *Store) RemoveExpired(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	cutoff := now.Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_operations WHERE queued_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.InternalError, "remove expired operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// EvictOldest deletes the n oldest operations of the given priority,
// returning the count removed.
func (s *Store) EvictOldest(ctx context.Context, priority types.Priority, n int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queued_operations WHERE operation_id IN (
			SELECT operation_id FROM queued_operations WHERE priority = ? ORDER BY queued_at ASC LIMIT ?
		)`, int(priority), n)
	if err != nil {
		return 0, errors.Wrap(errors.InternalError, "evict oldest operations", err)
	}
	removed, _ := res.RowsAffected()
	return int(removed), nil
}

// Counts returns the number of queued operations per priority.
func (s *Store) Counts(ctx context.Context) (map[types.Priority]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT priority, COUNT(*) FROM queued_operations GROUP BY priority`)
	if err != nil {
		return nil, errors.Wrap(errors.InternalError, "count queued operations", err)
	}
	defer rows.Close()

	out := map[types.Priority]int{types.PriorityHigh: 0, types.PriorityNormal: 0, types.PriorityLow: 0}
	for rows.Next() {
		var priority, count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, errors.Wrap(errors.InternalError, "scan queue counts", err)
		}
		out[types.Priority(priority)] = count
	}
	return out, rows.Err()
}

// ClearAll deletes every queued operation. Used in tests and explicit
// device resets.
func (s *Store) ClearAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queued_operations`)
	if err != nil {
		return errors.Wrap(errors.InternalError, "clear queue", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
