package fieldsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// EntityType names a synchronized collection.
type EntityType string

const (
	EntityActors       EntityType = "actors"
	EntityConventions  EntityType = "conventions"
	EntityCalendars    EntityType = "calendars"
	EntityTransactions EntityType = "transactions"
	EntityCampaigns    EntityType = "campaigns"
	EntityLocations    EntityType = "locations"
)

// EntityTypes returns every synchronized collection in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityActors,
		EntityConventions,
		EntityCalendars,
		EntityTransactions,
		EntityCampaigns,
		EntityLocations,
	}
}

// IsValid checks if the entity type is a known collection.
func (e EntityType) IsValid() bool {
	for _, valid := range EntityTypes() {
		if e == valid {
			return true
		}
	}
	return false
}

// Identity is either Unsynced (local id only) or Synced (local and server id).
type Identity interface {
	LocalID() string
	isIdentity()
}

// Unsynced identifies a record the server has not acknowledged yet.
type Unsynced struct {
	Local string
}

// Synced identifies a record the server has acknowledged.
// The server id never changes once assigned.
type Synced struct {
	Local  string
	Server string
}

func (u Unsynced) LocalID() string { return u.Local }
func (Unsynced) isIdentity()       {}

func (s Synced) LocalID() string { return s.Local }
func (Synced) isIdentity()       {}

// NewIdentity builds the identity for a local id and an optional server id.
func NewIdentity(localID, serverID string) Identity {
	if serverID == "" {
		return Unsynced{Local: localID}
	}
	return Synced{Local: localID, Server: serverID}
}

// ServerIDOf returns the server id of a Synced identity.
func ServerIDOf(id Identity) (string, bool) {
	if s, ok := id.(Synced); ok {
		return s.Server, true
	}
	return "", false
}

// LocalIDPrefix marks identifiers minted on the client.
const LocalIDPrefix = "loc_"

// IsLocalID reports whether s looks like a client-minted identifier.
func IsLocalID(s string) bool {
	return strings.HasPrefix(s, LocalIDPrefix) && len(s) == len(LocalIDPrefix)+26
}

// SyncState tracks whether a record matches the server.
type SyncState string

const (
	SyncClean    SyncState = "clean"
	SyncDirty    SyncState = "dirty-pending"
	SyncConflict SyncState = "conflict"
)

// LocalRecord is the cached snapshot of one server entity.
type LocalRecord struct {
	Identity   Identity        `json:"-"`
	EntityType EntityType      `json:"entity_type"`
	Payload    json.RawMessage `json:"payload"`
	SyncState  SyncState       `json:"sync_state"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// LocalID returns the record's client identifier.
func (r *LocalRecord) LocalID() string { return r.Identity.LocalID() }

// ServerID returns the record's server identifier, or "" when unsynced.
func (r *LocalRecord) ServerID() string {
	id, _ := ServerIDOf(r.Identity)
	return id
}

// MarshalJSON flattens the identity into local_id and server_id.
func (r LocalRecord) MarshalJSON() ([]byte, error) {
	type alias LocalRecord
	serverID, _ := ServerIDOf(r.Identity)
	return json.Marshal(struct {
		LocalID  string `json:"local_id"`
		ServerID string `json:"server_id,omitempty"`
		alias
	}{r.Identity.LocalID(), serverID, alias(r)})
}

// OperationType classifies a pending mutation.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	OpBulk   OperationType = "bulk"
)

// OperationStatus is the lifecycle position of a pending operation.
type OperationStatus string

const (
	StatusQueued   OperationStatus = "queued"
	StatusInFlight OperationStatus = "in-flight"
	StatusFailed   OperationStatus = "failed"
	StatusApplied  OperationStatus = "applied"
)

// PendingOperation is one durable mutation intent waiting for the server.
type PendingOperation struct {
	ID             int64           `json:"operation_id"`
	Type           OperationType   `json:"operation_type"`
	EntityType     EntityType      `json:"entity_type"`
	Target         Identity        `json:"-"`
	Action         string          `json:"action,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	NaturalKey     string          `json:"natural_key,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         OperationStatus `json:"status"`
	RetryCount     int             `json:"retry_count"`
	LastError      string          `json:"last_error,omitempty"`
	ErrorKind      ErrorKind       `json:"error_kind,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MarshalJSON flattens the target identity.
func (op PendingOperation) MarshalJSON() ([]byte, error) {
	type alias PendingOperation
	serverID, _ := ServerIDOf(op.Target)
	return json.Marshal(struct {
		TargetLocalID  string `json:"target_local_id"`
		TargetServerID string `json:"target_server_id,omitempty"`
		alias
	}{op.Target.LocalID(), serverID, alias(op)})
}

// SyncCursor records the server time of the last applied snapshot of a collection.
type SyncCursor struct {
	Collection     EntityType `json:"collection"`
	LastSyncedAt   int64      `json:"last_synced_at"`
	OwnerScopeHash string     `json:"owner_scope_hash"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Scope is the authorization scope of the logged-in session.
type Scope struct {
	UserID      string `json:"user_id"`
	TerritoryID string `json:"territory_id,omitempty"`
	PartyID     string `json:"party_id,omitempty"`
}

// Hash returns the stable fingerprint stored on cursors.
func (s Scope) Hash() string {
	sum := sha256.Sum256([]byte(s.UserID + "\x00" + s.TerritoryID + "\x00" + s.PartyID))
	return hex.EncodeToString(sum[:])
}

// Session carries what the authentication flow hands to the client.
type Session struct {
	Token string `json:"-"`
	Scope Scope  `json:"scope"`
}

// Tier is the polling frequency tier.
type Tier string

const (
	TierActive     Tier = "active"
	TierBackground Tier = "background"
	TierOffline    Tier = "offline"
)

// OrchestratorState is a sync orchestrator lifecycle state.
type OrchestratorState string

const (
	StateStopped   OrchestratorState = "stopped"
	StateFullSync  OrchestratorState = "full-sync"
	StatePolling   OrchestratorState = "polling"
	StateSuspended OrchestratorState = "suspended"
)

// SessionEndReason explains why polling stopped.
type SessionEndReason string

const (
	ReasonLogout        SessionEndReason = "logout"
	ReasonExpired       SessionEndReason = "session-expired"
	ReasonUnlockTimeout SessionEndReason = "unlock-timeout"
	ReasonUnauthorized  SessionEndReason = "unauthorized"
	ReasonInvalidated   SessionEndReason = "session-invalidated"
)

// PollingState is the process-wide polling snapshot.
type PollingState struct {
	Tier        Tier      `json:"tier"`
	Running     bool      `json:"running"`
	LastCheckAt time.Time `json:"last_check_at,omitempty"`
}

// SyncStatus is a non-blocking snapshot of the sync subsystem.
type SyncStatus struct {
	State          OrchestratorState `json:"state"`
	Polling        PollingState      `json:"polling"`
	LastError      string            `json:"last_error,omitempty"`
	PendingCount   int               `json:"pending_count"`
	FailedCount    int               `json:"failed_count"`
	QueueWarning   bool              `json:"queue_warning"`
	LastDrainAt    time.Time         `json:"last_drain_at,omitempty"`
	ForcedFullSync bool              `json:"forced_full_sync,omitempty"`
}

// StoreStats summarizes the local store.
type StoreStats struct {
	Records  map[EntityType]int `json:"records"`
	Dirty    int                `json:"dirty"`
	Conflict int                `json:"conflict"`
	Queued   int                `json:"queued"`
	InFlight int                `json:"in_flight"`
	Failed   int                `json:"failed"`
	Cursors  int                `json:"cursors"`
}

// CreateParams describes an offline-capable create.
type CreateParams struct {
	EntityType EntityType      `json:"entity_type"`
	Payload    json.RawMessage `json:"payload"`
	// NaturalKey makes replay idempotent: a uniqueness rejection on this key
	// counts as already applied.
	NaturalKey string `json:"natural_key,omitempty"`
}

// UpdateParams describes a partial update merged into the record payload.
type UpdateParams struct {
	EntityType EntityType      `json:"entity_type"`
	LocalID    string          `json:"local_id"`
	Patch      json.RawMessage `json:"patch"`
}

// BulkParams describes one domain action over many members, replayed as a single call.
type BulkParams struct {
	EntityType EntityType      `json:"entity_type"`
	LocalID    string          `json:"local_id"`
	Action     string          `json:"action"`
	Members    []string        `json:"members"`
	Extra      json.RawMessage `json:"extra,omitempty"`
}

// DeltaResponse is the delta-check wire response.
type DeltaResponse struct {
	HasUpdates bool            `json:"hasUpdates"`
	Counts     map[string]int  `json:"counts"`
	Entities   map[string]bool `json:"entities"`
	ServerTime int64           `json:"serverTime"`
}

// RemoteRecord is one server row returned by a collection fetch.
type RemoteRecord struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt int64           `json:"updated_at"`
}

// CollectionSnapshot is the full server view of one collection.
type CollectionSnapshot struct {
	Records    []RemoteRecord `json:"records"`
	ServerTime int64          `json:"server_time"`

	// FetchedAt is when the request for this snapshot was sent. Local
	// records bound after it are not removed by the snapshot.
	FetchedAt time.Time `json:"-"`
}

// ReplayResult is the server's answer to a replayed operation.
type ReplayResult struct {
	ServerID string `json:"id,omitempty"`
}
