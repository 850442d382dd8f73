package fieldsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cursors returns every persisted sync cursor keyed by collection.
func (s *Store) Cursors(ctx context.Context) (map[EntityType]SyncCursor, error) {
	cursors := make(map[EntityType]SyncCursor)
	err := s.read(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT collection, last_synced_at, owner_scope_hash, updated_at FROM sync_cursors
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c SyncCursor
			var collection, updatedAt string
			if err := rows.Scan(&collection, &c.LastSyncedAt, &c.OwnerScopeHash, &updatedAt); err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptState, err)
			}
			c.Collection = EntityType(collection)
			c.UpdatedAt = parseTime(updatedAt)
			if !c.Collection.IsValid() || c.LastSyncedAt < 0 {
				return fmt.Errorf("%w: cursor %q", ErrCorruptState, collection)
			}
			cursors[c.Collection] = c
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: read cursors: %w", err)
	}
	return cursors, nil
}

// Cursor returns one collection's cursor.
func (s *Store) Cursor(ctx context.Context, collection EntityType) (*SyncCursor, error) {
	var c SyncCursor
	err := s.read(func() error {
		var updatedAt string
		err := s.db.QueryRowContext(ctx, `
			SELECT last_synced_at, owner_scope_hash, updated_at FROM sync_cursors WHERE collection = ?
		`, string(collection)).Scan(&c.LastSyncedAt, &c.OwnerScopeHash, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		c.Collection = collection
		c.UpdatedAt = parseTime(updatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// advanceCursorTx moves a cursor forward. Within one scope the stored value
// never decreases; a new scope replaces it.
func advanceCursorTx(ctx context.Context, tx *sql.Tx, collection EntityType, serverTime int64, scopeHash string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (collection, last_synced_at, owner_scope_hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET
			last_synced_at = CASE
				WHEN sync_cursors.owner_scope_hash = excluded.owner_scope_hash
				THEN MAX(sync_cursors.last_synced_at, excluded.last_synced_at)
				ELSE excluded.last_synced_at
			END,
			owner_scope_hash = excluded.owner_scope_hash,
			updated_at = excluded.updated_at
	`, string(collection), serverTime, scopeHash, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("store: advance cursor %s: %w", collection, err)
	}
	return nil
}

// AdvanceCursor moves a collection's cursor to serverTime unless it is already later.
func (s *Store) AdvanceCursor(ctx context.Context, collection EntityType, serverTime int64, scopeHash string) error {
	return s.write(func(tx *sql.Tx) error {
		return advanceCursorTx(ctx, tx, collection, serverTime, scopeHash)
	})
}

// ResetCursors forgets every cursor and flags the store for a full sync.
func (s *Store) ResetCursors(ctx context.Context) error {
	return s.write(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_cursors`); err != nil {
			return fmt.Errorf("store: reset cursors: %w", err)
		}
		return setMetadataTx(tx, metaForceFullSync, "1")
	})
}

// ApplyResult counts what a snapshot changed locally.
type ApplyResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	Skipped  int `json:"skipped"`
	// Deferred counts unknown server records held back while a create of
	// the collection was in flight; the cursor is not advanced past them.
	Deferred int `json:"deferred"`
}

// ApplySnapshot upserts a full collection snapshot by server id and advances
// the collection's cursor to cursorTime, all in one transaction.
//
// Records with unapplied operations are never overwritten. Clean records the
// server no longer returns are removed unless they were bound after the
// snapshot was fetched. While a create of the collection is in flight, server
// records with no local match may be that create's result: they are deferred
// and the cursor stays put so the next check fetches them again.
func (s *Store) ApplySnapshot(ctx context.Context, et EntityType, snap *CollectionSnapshot, cursorTime int64, scopeHash string) (*ApplyResult, error) {
	if !et.IsValid() {
		return nil, ErrInvalidEntityType
	}
	res := &ApplyResult{}
	err := s.write(func(tx *sql.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		protected, err := protectedTargets(ctx, tx, et)
		if err != nil {
			return err
		}
		creating, err := createInFlight(ctx, tx, et)
		if err != nil {
			return err
		}

		seen := make(map[string]bool, len(snap.Records))
		now := formatTime(time.Now())
		for _, r := range snap.Records {
			if r.ID == "" {
				continue
			}
			seen[r.ID] = true
			payload := r.Payload
			if len(payload) == 0 {
				payload = []byte("{}")
			}

			var localID, state string
			err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT local_id, sync_state FROM %s WHERE server_id = ?`, et), r.ID).
				Scan(&localID, &state)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				if protected[r.ID] {
					res.Skipped++
					continue
				}
				if creating {
					res.Deferred++
					continue
				}
				_, err = tx.ExecContext(ctx, fmt.Sprintf(`
					INSERT INTO %s (local_id, server_id, payload, sync_state, updated_at)
					VALUES (?, ?, ?, 'clean', ?)
				`, et), NewLocalID(), r.ID, string(payload), now)
				if err != nil {
					return fmt.Errorf("store: insert pulled %s %s: %w", et, r.ID, err)
				}
				res.Inserted++
			case err != nil:
				return fmt.Errorf("store: lookup %s %s: %w", et, r.ID, err)
			case SyncState(state) != SyncClean || protected[localID] || protected[r.ID]:
				res.Skipped++
			default:
				_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET payload = ?, updated_at = ? WHERE local_id = ?`, et),
					string(payload), now, localID)
				if err != nil {
					return fmt.Errorf("store: update pulled %s %s: %w", et, r.ID, err)
				}
				res.Updated++
			}
		}

		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT local_id, server_id, updated_at FROM %s WHERE server_id IS NOT NULL AND sync_state = 'clean'
		`, et))
		if err != nil {
			return fmt.Errorf("store: scan %s for removals: %w", et, err)
		}
		var gone []string
		for rows.Next() {
			var localID, serverID, updatedAt string
			if err := rows.Scan(&localID, &serverID, &updatedAt); err != nil {
				rows.Close()
				return err
			}
			if seen[serverID] || protected[localID] {
				continue
			}
			if !snap.FetchedAt.IsZero() && !parseTime(updatedAt).Before(snap.FetchedAt) {
				continue
			}
			gone = append(gone, localID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, localID := range gone {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE local_id = ?`, et), localID); err != nil {
				return fmt.Errorf("store: remove %s %s: %w", et, localID, err)
			}
			res.Deleted++
		}

		if res.Deferred > 0 {
			return nil
		}
		return advanceCursorTx(ctx, tx, et, cursorTime, scopeHash)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// createInFlight reports whether a create of the collection has been sent and
// not yet acknowledged.
func createInFlight(ctx context.Context, tx *sql.Tx, et EntityType) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_operations
		WHERE entity_type = ? AND operation_type = 'create' AND status = 'in-flight'
	`, string(et)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: creates in flight: %w", err)
	}
	return n > 0, nil
}

// protectedTargets returns the local and server ids of a collection that
// still have unapplied operations.
func protectedTargets(ctx context.Context, tx *sql.Tx, et EntityType) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT target_local_id, COALESCE(target_server_id, '') FROM pending_operations
		WHERE entity_type = ? AND status != 'applied'
	`, string(et))
	if err != nil {
		return nil, fmt.Errorf("store: protected targets: %w", err)
	}
	defer rows.Close()

	protected := make(map[string]bool)
	for rows.Next() {
		var localID, serverID string
		if err := rows.Scan(&localID, &serverID); err != nil {
			return nil, err
		}
		protected[localID] = true
		if serverID != "" {
			protected[serverID] = true
		}
	}
	return protected, rows.Err()
}
