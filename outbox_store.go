package fieldsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const operationColumns = `operation_id, operation_type, entity_type, target_local_id, target_server_id,
	action, payload, natural_key, idempotency_key, status, retry_count, last_error, error_kind,
	next_attempt_at, created_at, updated_at`

func scanOperation(row rowScanner) (*PendingOperation, error) {
	var (
		op                                    PendingOperation
		opType, entityType, localID, status   string
		serverID, action, payload, naturalKey sql.NullString
		lastError, errorKind                  sql.NullString
		nextAttempt, createdAt, updatedAt     string
	)
	err := row.Scan(&op.ID, &opType, &entityType, &localID, &serverID,
		&action, &payload, &naturalKey, &op.IdempotencyKey, &status, &op.RetryCount, &lastError, &errorKind,
		&nextAttempt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	op.Type = OperationType(opType)
	op.EntityType = EntityType(entityType)
	op.Target = NewIdentity(localID, serverID.String)
	op.Action = action.String
	if payload.Valid {
		op.Payload = []byte(payload.String)
	}
	op.NaturalKey = naturalKey.String
	op.Status = OperationStatus(status)
	op.LastError = lastError.String
	op.ErrorKind = ErrorKind(errorKind.String)
	op.NextAttemptAt = parseTime(nextAttempt)
	op.CreatedAt = parseTime(createdAt)
	op.UpdatedAt = parseTime(updatedAt)
	return &op, nil
}

func queryOperations(ctx context.Context, tx interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, where string, args ...any) ([]PendingOperation, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+operationColumns+` FROM pending_operations `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// ListOperations returns operations in enqueue order, optionally filtered by status.
func (s *Store) ListOperations(ctx context.Context, statuses ...OperationStatus) ([]PendingOperation, error) {
	where := ""
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = `WHERE status IN (` + strings.Join(marks, ", ") + `) `
	}

	var ops []PendingOperation
	err := s.read(func() error {
		var err error
		ops, err = queryOperations(ctx, s.db, where+`ORDER BY operation_id`, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: list operations: %w", err)
	}
	return ops, nil
}

// OperationsFor returns the operations targeting a local id in enqueue order.
func (s *Store) OperationsFor(ctx context.Context, localID string) ([]PendingOperation, error) {
	var ops []PendingOperation
	err := s.read(func() error {
		var err error
		ops, err = queryOperations(ctx, s.db, `WHERE target_local_id = ? ORDER BY operation_id`, localID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: operations for %s: %w", localID, err)
	}
	return ops, nil
}

// GetOperation returns one operation by id.
func (s *Store) GetOperation(ctx context.Context, id int64) (*PendingOperation, error) {
	var op *PendingOperation
	err := s.read(func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE operation_id = ?`, id)
		var err error
		op, err = scanOperation(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return op, err
}

// OutboxCounts returns the number of unapplied and failed operations.
func (s *Store) OutboxCounts(ctx context.Context) (unapplied, failed int, err error) {
	err = s.read(func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
			FROM pending_operations WHERE status != 'applied'
		`).Scan(&unapplied, &failed)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("store: outbox counts: %w", err)
	}
	return unapplied, failed, nil
}

// NextEligible returns the oldest queued operation that may be replayed now, or nil.
//
// An operation is eligible when its backoff has elapsed, no earlier unapplied
// operation targets the same entity, its target is resolved (or it is the
// create), and every client id in its payload has been resolved.
func (s *Store) NextEligible(ctx context.Context, now time.Time) (*PendingOperation, error) {
	var next *PendingOperation
	err := s.read(func() error {
		candidates, err := queryOperations(ctx, s.db,
			`WHERE status = 'queued' AND next_attempt_at <= ? ORDER BY operation_id`, formatTime(now))
		if err != nil {
			return err
		}
		blocked := make(map[string]bool)
		for i := range candidates {
			op := &candidates[i]
			target := op.Target.LocalID()
			if blocked[target] {
				continue
			}
			ok, err := s.eligible(ctx, op)
			if err != nil {
				return err
			}
			if ok {
				next = op
				return nil
			}
			blocked[target] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: next eligible operation: %w", err)
	}
	return next, nil
}

func (s *Store) eligible(ctx context.Context, op *PendingOperation) (bool, error) {
	var earlier int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_operations
		WHERE target_local_id = ? AND operation_id < ? AND status != 'applied'
	`, op.Target.LocalID(), op.ID).Scan(&earlier)
	if err != nil {
		return false, err
	}
	if earlier > 0 {
		return false, nil
	}

	switch op.Target.(type) {
	case Unsynced:
		if op.Type != OpCreate {
			return false, nil
		}
	}

	for _, ref := range localRefs(op.Payload) {
		if ref == op.Target.LocalID() {
			continue
		}
		var pending int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM pending_operations
			WHERE target_local_id = ? AND operation_type = 'create' AND status != 'applied'
		`, ref).Scan(&pending)
		if err != nil {
			return false, err
		}
		if pending > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Claim moves a queued operation to in-flight. It reports false when another
// drainer already claimed it.
func (s *Store) Claim(ctx context.Context, id int64) (bool, error) {
	var claimed bool
	err := s.write(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_operations SET status = 'in-flight', updated_at = ?
			WHERE operation_id = ? AND status = 'queued'
		`, formatTime(time.Now()), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		claimed = n == 1
		return err
	})
	if err != nil {
		return false, fmt.Errorf("store: claim operation %d: %w", id, err)
	}
	return claimed, nil
}

// CompleteOperation records a server acknowledgement and prunes the operation.
// For a create, serverID is bound to the target and every reference to the
// local id is rewritten in records and still-pending operations.
func (s *Store) CompleteOperation(ctx context.Context, op *PendingOperation, serverID string) error {
	localID := op.Target.LocalID()
	return s.write(func(tx *sql.Tx) error {
		if op.Type == OpCreate {
			if serverID == "" {
				return fmt.Errorf("store: create %d acknowledged without server id: %w", op.ID, ErrCorruptState)
			}
			if err := bindServerIDTx(ctx, tx, op.EntityType, localID, serverID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE operation_id = ?`, op.ID); err != nil {
			return fmt.Errorf("store: prune operation %d: %w", op.ID, err)
		}

		var remaining int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM pending_operations WHERE target_local_id = ? AND status != 'applied'
		`, localID).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("store: count remaining: %w", err)
		}
		if remaining == 0 {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`
				UPDATE %s SET sync_state = 'clean' WHERE local_id = ? AND sync_state = 'dirty-pending'
			`, op.EntityType), localID)
			if err != nil {
				return fmt.Errorf("store: mark clean: %w", err)
			}
		}
		return nil
	})
}

// bindServerIDTx assigns serverID to localID and rewrites every reference.
//
// A clean row already holding serverID is a copy pulled while the create was
// in flight; it is merged into localID. A copy with its own unapplied
// operations is an identity conflict.
func bindServerIDTx(ctx context.Context, tx *sql.Tx, et EntityType, localID, serverID string) error {
	var current sql.NullString
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT server_id FROM %s WHERE local_id = ?`, et), localID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Deleted locally while the create was in flight.
	case err != nil:
		return fmt.Errorf("store: read server id: %w", err)
	case current.Valid && current.String != serverID:
		return fmt.Errorf("store: %s %s has server id %s, got %s: %w",
			et, localID, current.String, serverID, ErrIdentityConflict)
	default:
		if err := mergePulledCopyTx(ctx, tx, et, localID, serverID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET server_id = ?, updated_at = ? WHERE local_id = ?`, et),
			serverID, formatTime(time.Now()), localID)
		if err != nil {
			return fmt.Errorf("store: bind server id: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pending_operations SET target_server_id = ?
		WHERE target_local_id = ? AND status != 'applied'
	`, serverID, localID)
	if err != nil {
		return fmt.Errorf("store: rewrite operation targets: %w", err)
	}
	return rewriteReferencesTx(ctx, tx, localID, serverID)
}

// mergePulledCopyTx removes another row of et that already holds serverID,
// pointing references to it at the server id.
func mergePulledCopyTx(ctx context.Context, tx *sql.Tx, et EntityType, localID, serverID string) error {
	var copyID string
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT local_id FROM %s WHERE server_id = ? AND local_id != ?`, et),
		serverID, localID).Scan(&copyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: find pulled copy: %w", err)
	}

	var pending int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_operations WHERE target_local_id = ? AND status != 'applied'
	`, copyID).Scan(&pending)
	if err != nil {
		return fmt.Errorf("store: count copy operations: %w", err)
	}
	if pending > 0 {
		return fmt.Errorf("store: %s %s already bound to %s with pending changes: %w",
			et, copyID, serverID, ErrIdentityConflict)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE local_id = ?`, et), copyID); err != nil {
		return fmt.Errorf("store: merge pulled copy: %w", err)
	}
	return rewriteReferencesTx(ctx, tx, copyID, serverID)
}

// rewriteReferencesTx replaces localID with serverID in every operation
// payload and record payload that mentions it.
func rewriteReferencesTx(ctx context.Context, tx *sql.Tx, localID, serverID string) error {
	pattern := "%" + localID + "%"

	ops, err := queryOperations(ctx, tx, `WHERE payload LIKE ?`, pattern)
	if err != nil {
		return fmt.Errorf("store: find operation references: %w", err)
	}
	for _, op := range ops {
		rewritten, changed, err := rewriteRefs(op.Payload, localID, serverID)
		if err != nil {
			return fmt.Errorf("store: rewrite operation %d: %w", op.ID, err)
		}
		if !changed {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE pending_operations SET payload = ? WHERE operation_id = ?`,
			string(rewritten), op.ID); err != nil {
			return fmt.Errorf("store: rewrite operation %d: %w", op.ID, err)
		}
	}

	for _, table := range EntityTypes() {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT local_id, payload FROM %s WHERE payload LIKE ?`, table), pattern)
		if err != nil {
			return fmt.Errorf("store: find %s references: %w", table, err)
		}
		type ref struct{ id, payload string }
		var refs []ref
		for rows.Next() {
			var r ref
			if err := rows.Scan(&r.id, &r.payload); err != nil {
				rows.Close()
				return err
			}
			refs = append(refs, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range refs {
			rewritten, changed, err := rewriteRefs([]byte(r.payload), localID, serverID)
			if err != nil {
				return fmt.Errorf("store: rewrite %s %s: %w", table, r.id, err)
			}
			if !changed {
				continue
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET payload = ? WHERE local_id = ?`, table),
				string(rewritten), r.id); err != nil {
				return fmt.Errorf("store: rewrite %s %s: %w", table, r.id, err)
			}
		}
	}
	return nil
}

// RequeueOperation returns an in-flight operation to queued.
func (s *Store) RequeueOperation(ctx context.Context, op *PendingOperation, cause error, kind ErrorKind, retryCount int, next time.Time) error {
	err := s.write(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET status = 'queued', retry_count = ?, last_error = ?, error_kind = ?, next_attempt_at = ?, updated_at = ?
			WHERE operation_id = ?
		`, retryCount, errorText(cause), nullString(string(kind)), formatTime(next), formatTime(time.Now()), op.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: requeue operation %d: %w", op.ID, err)
	}
	return nil
}

// FailOperation marks an operation failed and its record as conflicting.
func (s *Store) FailOperation(ctx context.Context, op *PendingOperation, cause error, kind ErrorKind, retryCount int) error {
	err := s.write(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET status = 'failed', retry_count = ?, last_error = ?, error_kind = ?, updated_at = ?
			WHERE operation_id = ?
		`, retryCount, errorText(cause), nullString(string(kind)), formatTime(time.Now()), op.ID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET sync_state = 'conflict' WHERE local_id = ?`, op.EntityType),
			op.Target.LocalID())
		return err
	})
	if err != nil {
		return fmt.Errorf("store: fail operation %d: %w", op.ID, err)
	}
	return nil
}

// RecoverInFlight requeues operations left in-flight since before cutoff,
// e.g. by a process that exited mid-replay.
func (s *Store) RecoverInFlight(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	err := s.write(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_operations SET status = 'queued', updated_at = ?
			WHERE status = 'in-flight' AND updated_at < ?
		`, formatTime(time.Now()), formatTime(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: recover in-flight: %w", err)
	}
	return int(n), nil
}

// RetryOperation moves a failed operation back to queued with a fresh retry budget.
func (s *Store) RetryOperation(ctx context.Context, id int64) error {
	return s.write(func(tx *sql.Tx) error {
		op, err := failedOperationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		now := formatTime(time.Now())
		_, err = tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET status = 'queued', retry_count = 0, last_error = NULL, error_kind = NULL, next_attempt_at = ?, updated_at = ?
			WHERE operation_id = ?
		`, now, now, id)
		if err != nil {
			return fmt.Errorf("store: retry operation %d: %w", id, err)
		}
		return markRecordStateTx(ctx, tx, op)
	})
}

// DiscardOperation drops a failed operation. Discarding a failed create also
// drops the never-created record and every operation targeting it.
func (s *Store) DiscardOperation(ctx context.Context, id int64) error {
	return s.write(func(tx *sql.Tx) error {
		op, err := failedOperationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, synced := op.Target.(Synced); op.Type == OpCreate && !synced {
			return dropLocalTx(ctx, tx, op.EntityType, op.Target.LocalID())
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE operation_id = ?`, id); err != nil {
			return fmt.Errorf("store: discard operation %d: %w", id, err)
		}
		return markRecordStateTx(ctx, tx, op)
	})
}

func failedOperationTx(ctx context.Context, tx *sql.Tx, id int64) (*PendingOperation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE operation_id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get operation %d: %w", id, err)
	}
	if op.Status != StatusFailed {
		return nil, ErrNotFailed
	}
	return op, nil
}

// markRecordStateTx derives a record's sync state from its remaining operations.
func markRecordStateTx(ctx context.Context, tx *sql.Tx, op *PendingOperation) error {
	var failed, other int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status IN ('queued', 'in-flight') THEN 1 ELSE 0 END), 0)
		FROM pending_operations WHERE target_local_id = ?
	`, op.Target.LocalID()).Scan(&failed, &other)
	if err != nil {
		return fmt.Errorf("store: derive sync state: %w", err)
	}
	state := SyncClean
	switch {
	case failed > 0:
		state = SyncConflict
	case other > 0:
		state = SyncDirty
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET sync_state = ? WHERE local_id = ?`, op.EntityType),
		string(state), op.Target.LocalID())
	if err != nil {
		return fmt.Errorf("store: set sync state: %w", err)
	}
	return nil
}

func errorText(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	return sql.NullString{String: msg, Valid: true}
}
