package fieldsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const recordColumns = "local_id, server_id, payload, sync_state, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(et EntityType, row rowScanner) (*LocalRecord, error) {
	var (
		localID   string
		serverID  sql.NullString
		payload   string
		state     string
		updatedAt string
	)
	if err := row.Scan(&localID, &serverID, &payload, &state, &updatedAt); err != nil {
		return nil, err
	}
	return &LocalRecord{
		Identity:   NewIdentity(localID, serverID.String),
		EntityType: et,
		Payload:    []byte(payload),
		SyncState:  SyncState(state),
		UpdatedAt:  parseTime(updatedAt),
	}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, et EntityType, localID string) (*LocalRecord, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE local_id = ?`, recordColumns, et), localID)
	rec, err := scanRecord(et, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s %s: %w", et, localID, err)
	}
	return rec, nil
}

// GetRecord returns a record by local id.
func (s *Store) GetRecord(ctx context.Context, et EntityType, localID string) (*LocalRecord, error) {
	if !et.IsValid() {
		return nil, ErrInvalidEntityType
	}
	var rec *LocalRecord
	err := s.read(func() error {
		var err error
		rec, err = getRecord(ctx, s.db, et, localID)
		return err
	})
	return rec, err
}

// GetRecordByServerID returns a record by server id.
func (s *Store) GetRecordByServerID(ctx context.Context, et EntityType, serverID string) (*LocalRecord, error) {
	if !et.IsValid() {
		return nil, ErrInvalidEntityType
	}
	var rec *LocalRecord
	err := s.read(func() error {
		row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE server_id = ?`, recordColumns, et), serverID)
		var err error
		rec, err = scanRecord(et, row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return rec, err
}

// FindRecord looks a local id up across every collection.
func (s *Store) FindRecord(ctx context.Context, localID string) (*LocalRecord, error) {
	for _, et := range EntityTypes() {
		rec, err := s.GetRecord(ctx, et, localID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// ListRecords returns the records of a collection ordered by local id.
// An empty state returns every record.
func (s *Store) ListRecords(ctx context.Context, et EntityType, state SyncState) ([]LocalRecord, error) {
	if !et.IsValid() {
		return nil, ErrInvalidEntityType
	}
	var records []LocalRecord
	err := s.read(func() error {
		query := fmt.Sprintf(`SELECT %s FROM %s`, recordColumns, et)
		var args []any
		if state != "" {
			query += ` WHERE sync_state = ?`
			args = append(args, string(state))
		}
		query += ` ORDER BY local_id`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(et, rows)
			if err != nil {
				return err
			}
			records = append(records, *rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", et, err)
	}
	return records, nil
}

// CreateRecord inserts a new unsynced record and enqueues its create in one transaction.
func (s *Store) CreateRecord(ctx context.Context, params CreateParams) (*LocalRecord, *PendingOperation, error) {
	if !params.EntityType.IsValid() {
		return nil, nil, ErrInvalidEntityType
	}
	if !isJSONObject(params.Payload) {
		return nil, nil, ErrInvalidPayload
	}

	now := time.Now().UTC()
	rec := &LocalRecord{
		Identity:   Unsynced{Local: NewLocalID()},
		EntityType: params.EntityType,
		Payload:    params.Payload,
		SyncState:  SyncDirty,
		UpdatedAt:  now,
	}
	op := &PendingOperation{
		Type:       OpCreate,
		EntityType: params.EntityType,
		Target:     rec.Identity,
		Payload:    params.Payload,
		NaturalKey: params.NaturalKey,
	}

	err := s.write(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (local_id, server_id, payload, sync_state, updated_at)
			VALUES (?, NULL, ?, ?, ?)
		`, rec.EntityType), rec.LocalID(), string(rec.Payload), string(rec.SyncState), formatTime(now))
		if err != nil {
			return fmt.Errorf("store: insert %s: %w", rec.EntityType, err)
		}
		return s.enqueueTx(ctx, tx, op, now)
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, op, nil
}

// UpdateRecord merges patch into the record payload and enqueues the update in one transaction.
func (s *Store) UpdateRecord(ctx context.Context, params UpdateParams) (*LocalRecord, *PendingOperation, error) {
	if !params.EntityType.IsValid() {
		return nil, nil, ErrInvalidEntityType
	}
	if !isJSONObject(params.Patch) {
		return nil, nil, ErrInvalidPayload
	}

	var rec *LocalRecord
	var op *PendingOperation
	err := s.write(func(tx *sql.Tx) error {
		var err error
		rec, err = getRecord(ctx, tx, params.EntityType, params.LocalID)
		if err != nil {
			return err
		}
		merged, err := mergePatch(rec.Payload, params.Patch)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		rec.Payload = merged
		rec.UpdatedAt = now
		if rec.SyncState == SyncClean {
			rec.SyncState = SyncDirty
		}
		if err := updateRecordTx(ctx, tx, rec); err != nil {
			return err
		}

		op = &PendingOperation{
			Type:       OpUpdate,
			EntityType: params.EntityType,
			Target:     rec.Identity,
			Payload:    params.Patch,
		}
		return s.enqueueTx(ctx, tx, op, now)
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, op, nil
}

// DeleteRecord removes a record and enqueues its delete.
// A record the server has never seen is dropped locally along with its
// unsent operations; dropped reports that case.
func (s *Store) DeleteRecord(ctx context.Context, et EntityType, localID string) (op *PendingOperation, dropped bool, err error) {
	if !et.IsValid() {
		return nil, false, ErrInvalidEntityType
	}

	err = s.write(func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, et, localID)
		if err != nil {
			return err
		}

		if _, synced := rec.Identity.(Synced); !synced {
			var inFlight int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM pending_operations
				WHERE target_local_id = ? AND operation_type = 'create' AND status = 'in-flight'
			`, localID).Scan(&inFlight)
			if err != nil {
				return fmt.Errorf("store: check create status: %w", err)
			}
			if inFlight == 0 {
				dropped = true
				return dropLocalTx(ctx, tx, et, localID)
			}
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE local_id = ?`, et), localID); err != nil {
			return fmt.Errorf("store: delete %s: %w", et, err)
		}
		op = &PendingOperation{
			Type:       OpDelete,
			EntityType: et,
			Target:     rec.Identity,
		}
		return s.enqueueTx(ctx, tx, op, time.Now().UTC())
	})
	if err != nil {
		return nil, false, err
	}
	return op, dropped, nil
}

// BulkRecord enqueues one domain action over many members as a single operation.
func (s *Store) BulkRecord(ctx context.Context, params BulkParams) (*PendingOperation, error) {
	if !params.EntityType.IsValid() {
		return nil, ErrInvalidEntityType
	}
	if params.Action == "" {
		return nil, fmt.Errorf("store: bulk action name required: %w", ErrInvalidPayload)
	}
	payload, err := bulkPayload(params.Members, params.Extra)
	if err != nil {
		return nil, err
	}

	var op *PendingOperation
	err = s.write(func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, params.EntityType, params.LocalID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if rec.SyncState == SyncClean {
			rec.SyncState = SyncDirty
			rec.UpdatedAt = now
			if err := updateRecordTx(ctx, tx, rec); err != nil {
				return err
			}
		}
		op = &PendingOperation{
			Type:       OpBulk,
			EntityType: params.EntityType,
			Target:     rec.Identity,
			Action:     params.Action,
			Payload:    payload,
		}
		return s.enqueueTx(ctx, tx, op, now)
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

func updateRecordTx(ctx context.Context, tx *sql.Tx, rec *LocalRecord) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET payload = ?, sync_state = ?, updated_at = ? WHERE local_id = ?
	`, rec.EntityType), string(rec.Payload), string(rec.SyncState), formatTime(rec.UpdatedAt), rec.LocalID())
	if err != nil {
		return fmt.Errorf("store: update %s: %w", rec.EntityType, err)
	}
	return nil
}

// dropLocalTx removes a never-synced record and every operation targeting it.
func dropLocalTx(ctx context.Context, tx *sql.Tx, et EntityType, localID string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE local_id = ?`, et), localID); err != nil {
		return fmt.Errorf("store: drop %s: %w", et, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE target_local_id = ?`, localID); err != nil {
		return fmt.Errorf("store: drop operations: %w", err)
	}
	return nil
}

// enqueueTx appends op to the outbox inside tx, enforcing the outbox bound.
func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, op *PendingOperation, now time.Time) error {
	if s.maxQueued > 0 {
		var unapplied int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations WHERE status != 'applied'`).Scan(&unapplied)
		if err != nil {
			return fmt.Errorf("store: count outbox: %w", err)
		}
		if unapplied >= s.maxQueued {
			return ErrOutboxFull
		}
	}

	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	op.Status = StatusQueued
	op.CreatedAt = now
	op.UpdatedAt = now
	op.NextAttemptAt = now

	serverID, _ := ServerIDOf(op.Target)
	var payload sql.NullString
	if len(op.Payload) > 0 {
		payload = sql.NullString{String: string(op.Payload), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pending_operations (
			operation_type, entity_type, target_local_id, target_server_id, action, payload,
			natural_key, idempotency_key, status, retry_count, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`,
		string(op.Type),
		string(op.EntityType),
		op.Target.LocalID(),
		nullString(serverID),
		nullString(op.Action),
		payload,
		nullString(op.NaturalKey),
		op.IdempotencyKey,
		string(op.Status),
		formatTime(now),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("store: enqueue operation: %w", err)
	}
	op.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: enqueue operation id: %w", err)
	}
	return nil
}
