package fieldsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperengineering/fieldsync/internal/store/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// Metadata keys.
const (
	metaSchemaVersion = "schema_version"
	metaForceFullSync = "force_full_sync"
	metaLastFullSync  = "last_full_sync"
	metaScopeHash     = "scope_hash"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// Store is the local SQLite store holding records, pending operations and cursors.
// All writes go through a single connection.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string

	// maxQueued bounds unapplied operations; zero means unbounded.
	maxQueued int
}

// NewStore opens or creates a local store.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO metadata (key, value) VALUES (?, ?)`, metaSchemaVersion, schemaVersion)
	return err
}

// SetOutboxLimit sets the maximum number of unapplied operations.
// Zero disables the bound.
func (s *Store) SetOutboxLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxQueued = n
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Dir returns the directory holding the database file.
func (s *Store) Dir() string { return filepath.Dir(s.path) }

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// write runs fn in a transaction under the store write lock.
func (s *Store) write(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// read runs fn under the store read lock.
func (s *Store) read(fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return fn()
}

// GetMetadata returns a metadata value, or "" when unset.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.read(func() error {
		err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("store: get metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMetadata stores a metadata value.
func (s *Store) SetMetadata(key, value string) error {
	return s.write(func(tx *sql.Tx) error {
		return setMetadataTx(tx, key, value)
	})
}

func setMetadataTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set metadata %s: %w", key, err)
	}
	return nil
}

// ForceFullSyncRequested reports whether a previous failure asked for a full sync.
func (s *Store) ForceFullSyncRequested() (bool, error) {
	v, err := s.GetMetadata(metaForceFullSync)
	return v == "1", err
}

// MarkFullSync records a completed full sync and clears the force flag.
func (s *Store) MarkFullSync(at time.Time) error {
	return s.write(func(tx *sql.Tx) error {
		if err := setMetadataTx(tx, metaForceFullSync, "0"); err != nil {
			return err
		}
		return setMetadataTx(tx, metaLastFullSync, formatTime(at))
	})
}

// Stats summarizes the store contents.
func (s *Store) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{Records: make(map[EntityType]int)}
	err := s.read(func() error {
		for _, et := range EntityTypes() {
			var total, dirty, conflict int
			err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
				SELECT COUNT(*),
				       COALESCE(SUM(CASE WHEN sync_state = 'dirty-pending' THEN 1 ELSE 0 END), 0),
				       COALESCE(SUM(CASE WHEN sync_state = 'conflict' THEN 1 ELSE 0 END), 0)
				FROM %s`, et)).Scan(&total, &dirty, &conflict)
			if err != nil {
				return fmt.Errorf("count %s: %w", et, err)
			}
			stats.Records[et] = total
			stats.Dirty += dirty
			stats.Conflict += conflict
		}

		rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_operations GROUP BY status`)
		if err != nil {
			return fmt.Errorf("count operations: %w", err)
		}
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return err
			}
			switch OperationStatus(status) {
			case StatusQueued:
				stats.Queued = n
			case StatusInFlight:
				stats.InFlight = n
			case StatusFailed:
				stats.Failed = n
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_cursors`).Scan(&stats.Cursors)
	})
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	return stats, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
