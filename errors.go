package fieldsync

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the fieldsync client.
var (
	// ErrNotFound is returned when a record or operation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidEntityType is returned for an unknown collection name.
	ErrInvalidEntityType = errors.New("invalid entity type")

	// ErrInvalidPayload is returned when a payload or patch is not a JSON object.
	ErrInvalidPayload = errors.New("payload must be a JSON object")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned when a network operation is attempted without a server.
	ErrOffline = errors.New("operation unavailable in offline mode")

	// ErrOutboxFull is returned when the outbox holds MaxQueuedOperations unapplied operations.
	ErrOutboxFull = errors.New("outbox is full")

	// ErrUnauthorized is returned when the server rejects the session.
	ErrUnauthorized = errors.New("session is not authorized")

	// ErrOrchestratorActive is returned when a second orchestrator is started in one process.
	ErrOrchestratorActive = errors.New("another sync orchestrator is already running")

	// ErrNoSession is returned when an operation needs a logged-in session.
	ErrNoSession = errors.New("no active session")

	// ErrIdentityConflict is returned when a synced record would receive a different server id.
	ErrIdentityConflict = errors.New("server id already assigned")

	// ErrNotFailed is returned when retrying or discarding an operation that has not failed.
	ErrNotFailed = errors.New("operation is not failed")

	// ErrCorruptState is returned when persisted sync state cannot be trusted.
	ErrCorruptState = errors.New("corrupt local sync state")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ErrorKind classifies a sync failure.
type ErrorKind string

const (
	KindTransient     ErrorKind = "transient"
	KindValidation    ErrorKind = "validation"
	KindConflict      ErrorKind = "conflict"
	KindAuthorization ErrorKind = "authorization"
	KindCorruption    ErrorKind = "corruption"
)

// Permanent reports whether a failure must not be retried automatically.
func (k ErrorKind) Permanent() bool {
	return k == KindValidation || k == KindConflict
}

// SyncError is returned when a sync operation fails with details.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Operation  string
	StatusCode int
	// Code, Key and ExistingID come from the server error body when present.
	Code       string
	Key        string
	ExistingID string
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Classify maps an error to the sync error taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrUnauthorized) {
		return KindAuthorization
	}
	if errors.Is(err, ErrCorruptState) {
		return KindCorruption
	}

	var se *SyncError
	if errors.As(err, &se) && se.StatusCode != 0 {
		switch {
		case se.StatusCode == http.StatusUnauthorized:
			return KindAuthorization
		case se.StatusCode == http.StatusConflict:
			return KindConflict
		case se.StatusCode == http.StatusRequestTimeout,
			se.StatusCode == http.StatusTooManyRequests,
			se.StatusCode >= 500:
			return KindTransient
		case se.StatusCode >= 400:
			return KindValidation
		}
	}

	// Timeouts, refused connections and anything else without a status
	// are treated as connectivity problems.
	return KindTransient
}
