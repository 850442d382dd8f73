package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// mockRemote implements Remote with overridable functions.
type mockRemote struct {
	checkDeltaFn func(ctx context.Context, lastSync int64) (*DeltaResponse, error)
	fetchFn      func(ctx context.Context, collection EntityType) (*CollectionSnapshot, error)
	replayFn     func(ctx context.Context, op *PendingOperation) (*ReplayResult, error)
}

func (m *mockRemote) CheckDelta(ctx context.Context, lastSync int64) (*DeltaResponse, error) {
	if m.checkDeltaFn != nil {
		return m.checkDeltaFn(ctx, lastSync)
	}
	return &DeltaResponse{Counts: map[string]int{}, ServerTime: 2000}, nil
}

func (m *mockRemote) FetchCollection(ctx context.Context, collection EntityType) (*CollectionSnapshot, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, collection)
	}
	return &CollectionSnapshot{ServerTime: 1000}, nil
}

func (m *mockRemote) Replay(ctx context.Context, op *PendingOperation) (*ReplayResult, error) {
	if m.replayFn != nil {
		return m.replayFn(ctx, op)
	}
	return &ReplayResult{ServerID: "srv-1"}, nil
}

// fakeServer is an in-memory authoritative server. Creates carrying a
// natural key are unique on that key.
type fakeServer struct {
	mu      sync.Mutex
	clock   int64
	nextID  int
	rows    map[EntityType]map[string]json.RawMessage
	changed map[EntityType]int64
	keys    map[string]string
	replays []PendingOperation
	deltas  []int64
	fetches map[EntityType]int

	// replayErr, when set, is consulted before an operation is applied.
	replayErr func(op *PendingOperation) error
	// unauthorized rejects every call with 401.
	unauthorized bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		clock:   1000,
		rows:    make(map[EntityType]map[string]json.RawMessage),
		changed: make(map[EntityType]int64),
		keys:    make(map[string]string),
		fetches: make(map[EntityType]int),
	}
}

func (s *fakeServer) tickLocked() int64 {
	s.clock += 10
	return s.clock
}

// seed stores a row as if another client had written it.
func (s *fakeServer) seed(et EntityType, id, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[et] == nil {
		s.rows[et] = make(map[string]json.RawMessage)
	}
	s.rows[et][id] = json.RawMessage(payload)
	s.changed[et] = s.tickLocked()
}

func (s *fakeServer) remove(et EntityType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows[et], id)
	s.changed[et] = s.tickLocked()
}

func (s *fakeServer) row(et EntityType, id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[et][id]
	return p, ok
}

func (s *fakeServer) replayed() []PendingOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingOperation(nil), s.replays...)
}

func (s *fakeServer) fetchCount(et EntityType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[et]
}

func (s *fakeServer) errUnauthorized(op string) error {
	return &SyncError{Operation: op, StatusCode: http.StatusUnauthorized, Err: fmt.Errorf("HTTP 401")}
}

func (s *fakeServer) CheckDelta(_ context.Context, lastSync int64) (*DeltaResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unauthorized {
		return nil, s.errUnauthorized("delta_check")
	}
	s.deltas = append(s.deltas, lastSync)

	resp := &DeltaResponse{
		Counts:     make(map[string]int),
		Entities:   make(map[string]bool),
		ServerTime: s.tickLocked(),
	}
	for _, et := range EntityTypes() {
		n := 0
		if s.changed[et] > lastSync {
			n = 1
		}
		resp.Counts[string(et)] = n
		resp.Entities[string(et)] = n > 0
		if n > 0 {
			resp.HasUpdates = true
		}
	}
	return resp, nil
}

func (s *fakeServer) FetchCollection(_ context.Context, collection EntityType) (*CollectionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unauthorized {
		return nil, s.errUnauthorized("fetch_" + string(collection))
	}
	s.fetches[collection]++

	snap := &CollectionSnapshot{ServerTime: s.tickLocked()}
	for id, payload := range s.rows[collection] {
		snap.Records = append(snap.Records, RemoteRecord{ID: id, Payload: payload})
	}
	return snap, nil
}

func (s *fakeServer) Replay(_ context.Context, op *PendingOperation) (*ReplayResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unauthorized {
		return nil, s.errUnauthorized("replay")
	}
	if s.replayErr != nil {
		if err := s.replayErr(op); err != nil {
			return nil, err
		}
	}
	s.replays = append(s.replays, *op)

	et := op.EntityType
	if s.rows[et] == nil {
		s.rows[et] = make(map[string]json.RawMessage)
	}
	notFound := &SyncError{Operation: "replay", StatusCode: http.StatusNotFound, Err: fmt.Errorf("HTTP 404")}

	switch op.Type {
	case OpCreate:
		if op.NaturalKey != "" {
			if existing, ok := s.keys[op.NaturalKey]; ok {
				return nil, &SyncError{
					Operation:  "replay_create",
					StatusCode: http.StatusConflict,
					Key:        op.NaturalKey,
					ExistingID: existing,
					Err:        fmt.Errorf("HTTP 409: duplicate"),
				}
			}
		}
		s.nextID++
		id := fmt.Sprintf("srv-%d", s.nextID)
		s.rows[et][id] = op.Payload
		if op.NaturalKey != "" {
			s.keys[op.NaturalKey] = id
		}
		s.changed[et] = s.tickLocked()
		return &ReplayResult{ServerID: id}, nil

	case OpUpdate:
		id, _ := ServerIDOf(op.Target)
		current, ok := s.rows[et][id]
		if !ok {
			return nil, notFound
		}
		merged, err := mergePatch(current, op.Payload)
		if err != nil {
			return nil, err
		}
		s.rows[et][id] = merged
		s.changed[et] = s.tickLocked()
		return &ReplayResult{ServerID: id}, nil

	case OpDelete:
		id, _ := ServerIDOf(op.Target)
		if _, ok := s.rows[et][id]; !ok {
			return nil, notFound
		}
		delete(s.rows[et], id)
		s.changed[et] = s.tickLocked()
		return &ReplayResult{}, nil

	case OpBulk:
		id, _ := ServerIDOf(op.Target)
		if _, ok := s.rows[et][id]; !ok {
			return nil, notFound
		}
		s.changed[et] = s.tickLocked()
		return &ReplayResult{ServerID: id}, nil
	}
	return nil, fmt.Errorf("unknown operation %s", op.Type)
}

func testOutboxOptions() OutboxOptions {
	return OutboxOptions{
		MaxRetries:     3,
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
		RequestTimeout: time.Second,
	}
}

func mustCreate(t *testing.T, store *Store, et EntityType, payload string) *LocalRecord {
	t.Helper()
	rec, _, err := store.CreateRecord(context.Background(), CreateParams{EntityType: et, Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	return rec
}

// mustSeedSynced inserts a clean record the server already holds.
func mustSeedSynced(t *testing.T, store *Store, et EntityType, serverID, payload string) *LocalRecord {
	t.Helper()
	ctx := context.Background()
	existing, err := store.ListRecords(ctx, et, "")
	if err != nil {
		t.Fatal(err)
	}
	snap := &CollectionSnapshot{ServerTime: 500}
	for _, r := range existing {
		if sid := r.ServerID(); sid != "" {
			snap.Records = append(snap.Records, RemoteRecord{ID: sid, Payload: r.Payload})
		}
	}
	snap.Records = append(snap.Records, RemoteRecord{ID: serverID, Payload: json.RawMessage(payload)})
	if _, err := store.ApplySnapshot(ctx, et, snap, 500, Scope{UserID: "seed"}.Hash()); err != nil {
		t.Fatalf("ApplySnapshot failed: %v", err)
	}
	rec, err := store.GetRecordByServerID(ctx, et, serverID)
	if err != nil {
		t.Fatalf("GetRecordByServerID failed: %v", err)
	}
	return rec
}

func jsonField(t *testing.T, payload []byte, key string) any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("payload is not a JSON object: %v (%s)", err, payload)
	}
	return m[key]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
