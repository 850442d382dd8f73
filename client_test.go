package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	if cfg.LocalPath == "" {
		cfg.LocalPath = filepath.Join(t.TempDir(), "client.db")
	}
	if cfg.ActiveInterval == 0 {
		cfg.ActiveInterval = time.Hour
	}
	if len(opts) == 0 {
		opts = append(opts, WithBroadcaster(NewLocalBroadcast()))
	}
	c, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// tokenServer records the token a client hands its remote.
type tokenServer struct {
	*fakeServer
	mu    sync.Mutex
	token string
}

func (s *tokenServer) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{LocalPath: filepath.Join(t.TempDir(), "x.db"), MaxQueuedOperations: -1})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want *ValidationError", err)
	}
}

func TestClient_OfflineRoundTrip(t *testing.T) {
	c := newTestClient(t, Config{})
	ctx := context.Background()

	rec, err := c.Create(ctx, CreateParams{EntityType: EntityActors, Payload: json.RawMessage(`{"name":"Ana"}`)})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !IsLocalID(rec.LocalID()) || rec.ServerID() != "" || rec.SyncState != SyncDirty {
		t.Errorf("created record = %+v", rec)
	}

	updated, err := c.Update(ctx, UpdateParams{EntityType: EntityActors, LocalID: rec.LocalID(), Patch: json.RawMessage(`{"phone":"555"}`)})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if jsonField(t, updated.Payload, "name") != "Ana" || jsonField(t, updated.Payload, "phone") != "555" {
		t.Errorf("payload = %s", updated.Payload)
	}

	got, err := c.Get(ctx, EntityActors, rec.LocalID())
	if err != nil || jsonField(t, got.Payload, "phone") != "555" {
		t.Errorf("Get = %+v, %v", got, err)
	}
	list, _ := c.List(ctx, EntityActors)
	if len(list) != 1 {
		t.Errorf("List returned %d records, want 1", len(list))
	}
	pending, _ := c.Pending(ctx)
	if len(pending) != 2 || pending[0].Type != OpCreate || pending[1].Type != OpUpdate {
		t.Errorf("pending = %+v, want create then update", pending)
	}

	if err := c.Delete(ctx, EntityActors, rec.LocalID()); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, EntityActors, rec.LocalID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
	if pending, _ := c.Pending(ctx); len(pending) != 0 {
		t.Errorf("pending = %d, want never-synced record dropped with its operations", len(pending))
	}

	status := c.Status()
	if status.State != StateStopped || status.Polling.Tier != TierOffline {
		t.Errorf("status = %+v, want stopped/offline", status)
	}
	if _, err := c.Sync(ctx, false); !errors.Is(err, ErrOffline) {
		t.Errorf("Sync err = %v, want ErrOffline", err)
	}
}

func TestClient_OutboxFull(t *testing.T) {
	c := newTestClient(t, Config{MaxQueuedOperations: 2, QueueWarnThreshold: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Create(ctx, CreateParams{EntityType: EntityActors, Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := c.Create(ctx, CreateParams{EntityType: EntityActors, Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrOutboxFull) {
		t.Errorf("err = %v, want ErrOutboxFull", err)
	}
}

func TestClient_SetSession_RequiresUser(t *testing.T) {
	c := newTestClient(t, Config{})
	err := c.SetSession(Session{Token: "t"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "Scope.UserID" {
		t.Errorf("err = %v, want Scope.UserID validation error", err)
	}
	if c.Session() != nil {
		t.Error("invalid session should not be installed")
	}
}

func TestClient_Sync_RequiresSession(t *testing.T) {
	c := newTestClient(t, Config{}, WithRemote(newFakeServer()), WithBroadcaster(NewLocalBroadcast()))
	if _, err := c.Sync(context.Background(), false); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}

func TestClient_ManualSync(t *testing.T) {
	srv := &tokenServer{fakeServer: newFakeServer()}
	srv.seed(EntityLocations, "srv-depot", `{"name":"Depot"}`)
	c := newTestClient(t, Config{}, WithRemote(srv), WithBroadcaster(NewLocalBroadcast()))
	ctx := context.Background()

	rec, err := c.Create(ctx, CreateParams{EntityType: EntityActors, Payload: json.RawMessage(`{"location_id":"srv-depot"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetSession(Session{Token: "tok-1", Scope: Scope{UserID: "u1"}}); err != nil {
		t.Fatal(err)
	}
	srv.mu.Lock()
	token := srv.token
	srv.mu.Unlock()
	if token != "tok-1" {
		t.Errorf("remote token = %q, want tok-1", token)
	}

	report, err := c.Sync(ctx, false)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Check == nil || len(report.Check.Refetched) != len(EntityTypes()) {
		t.Errorf("check = %+v, want every collection fetched on first sync", report.Check)
	}
	if report.Drain == nil || report.Drain.Applied != 1 {
		t.Errorf("drain = %+v, want 1 applied", report.Drain)
	}

	got, _ := c.Get(ctx, EntityActors, rec.LocalID())
	if got.ServerID() == "" || got.SyncState != SyncClean {
		t.Errorf("record = %+v, want synced", got)
	}
	if _, err := c.GetByServerID(ctx, EntityLocations, "srv-depot"); err != nil {
		t.Errorf("pulled location missing: %v", err)
	}
	cursors, _ := c.Cursors(ctx)
	if len(cursors) != len(EntityTypes()) {
		t.Errorf("got %d cursors, want %d", len(cursors), len(EntityTypes()))
	}

	if _, err := c.Sync(ctx, true); err != nil {
		t.Errorf("full Sync failed: %v", err)
	}
}

func TestClient_LoginAndLogout(t *testing.T) {
	srv := newFakeServer()
	bc := NewLocalBroadcast()
	c := newTestClient(t, Config{}, WithRemote(srv), WithBroadcaster(bc))
	ctx := context.Background()

	if _, err := c.Create(ctx, CreateParams{EntityType: EntityActors, Payload: json.RawMessage(`{"name":"offline"}`)}); err != nil {
		t.Fatal(err)
	}

	ended := make(chan SessionEndReason, 1)
	c.OnSessionEnd(func(r SessionEndReason) { ended <- r })

	if err := c.Login(ctx, Session{Token: "tok", Scope: Scope{UserID: "u1"}}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if c.Status().State != StatePolling {
		t.Errorf("state = %s, want polling", c.Status().State)
	}
	if len(srv.replayed()) != 1 {
		t.Errorf("replays = %d, want queued create drained at login", len(srv.replayed()))
	}

	if _, err := c.Create(ctx, CreateParams{EntityType: EntityActors, Payload: json.RawMessage(`{"name":"online"}`)}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "drain after mutation", func() bool { return len(srv.replayed()) == 2 })

	msgs, unsubscribe := bc.Subscribe()
	defer unsubscribe()

	c.Logout()
	if c.Session() != nil {
		t.Error("session still set after logout")
	}
	if c.Status().State != StateStopped {
		t.Errorf("state = %s, want stopped", c.Status().State)
	}
	if r := <-ended; r != ReasonLogout {
		t.Errorf("reason = %s, want logout", r)
	}
	if msg := receive(t, msgs); msg.Type != MessageSessionInvalidated || msg.Reason != ReasonLogout {
		t.Errorf("broadcast = %+v", msg)
	}
}

func TestClient_LoginRejectsSecondOrchestrator(t *testing.T) {
	ctx := context.Background()
	sess := Session{Token: "tok", Scope: Scope{UserID: "u1"}}

	first := newTestClient(t, Config{}, WithRemote(newFakeServer()), WithBroadcaster(NewLocalBroadcast()))
	if err := first.Login(ctx, sess); err != nil {
		t.Fatal(err)
	}

	second := newTestClient(t, Config{}, WithRemote(newFakeServer()), WithBroadcaster(NewLocalBroadcast()))
	if err := second.Login(ctx, sess); !errors.Is(err, ErrOrchestratorActive) {
		t.Errorf("err = %v, want ErrOrchestratorActive", err)
	}
	if second.Session() != nil {
		t.Error("rejected login should not keep a session")
	}
}

func TestClient_UnauthorizedClearsSession(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, Config{}, WithRemote(srv), WithBroadcaster(NewLocalBroadcast()))
	ctx := context.Background()
	if err := c.Login(ctx, Session{Token: "tok", Scope: Scope{UserID: "u1"}}); err != nil {
		t.Fatal(err)
	}

	srv.setUnauthorized(true)
	c.orch.ForceCheck()

	waitFor(t, "session cleared", func() bool { return c.Session() == nil })
	if c.Status().State != StateStopped {
		t.Errorf("state = %s, want stopped", c.Status().State)
	}
}

func TestClient_UnlockTimeout(t *testing.T) {
	bc := NewLocalBroadcast()
	c := newTestClient(t, Config{UnlockTimeout: 50 * time.Millisecond}, WithBroadcaster(bc))
	msgs, unsubscribe := bc.Subscribe()
	defer unsubscribe()

	if err := c.SetSession(Session{Token: "tok", Scope: Scope{UserID: "u1"}}); err != nil {
		t.Fatal(err)
	}
	if c.Session() == nil {
		t.Fatal("session not installed")
	}

	waitFor(t, "unlock timeout", func() bool { return c.Session() == nil })
	if msg := receive(t, msgs); msg.Reason != ReasonUnlockTimeout {
		t.Errorf("broadcast reason = %s, want unlock-timeout", msg.Reason)
	}
}

func TestClient_TouchDefersUnlockTimeout(t *testing.T) {
	c := newTestClient(t, Config{UnlockTimeout: 150 * time.Millisecond})
	if err := c.SetSession(Session{Scope: Scope{UserID: "u1"}}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		c.Touch()
	}
	if c.Session() == nil {
		t.Error("activity should keep the session alive")
	}
}

func TestClient_RetryAndDiscard(t *testing.T) {
	remote := &mockRemote{
		replayFn: func(context.Context, *PendingOperation) (*ReplayResult, error) {
			return nil, &SyncError{Operation: "replay_create", StatusCode: 422, Err: errors.New("HTTP 422")}
		},
	}
	c := newTestClient(t, Config{}, WithRemote(remote), WithBroadcaster(NewLocalBroadcast()))
	ctx := context.Background()
	if err := c.SetSession(Session{Scope: Scope{UserID: "u1"}}); err != nil {
		t.Fatal(err)
	}

	rec, err := c.Create(ctx, CreateParams{EntityType: EntityActors, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Sync(ctx, false); err != nil {
		t.Fatal(err)
	}

	failed, _ := c.Failed(ctx)
	if len(failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(failed))
	}
	if err := c.RetryOperation(ctx, failed[0].ID); err != nil {
		t.Fatalf("RetryOperation failed: %v", err)
	}
	if queued, _ := c.Operations(ctx, StatusQueued); len(queued) != 1 {
		t.Errorf("queued = %d, want 1 after retry", len(queued))
	}

	if _, err := c.Sync(ctx, false); err != nil {
		t.Fatal(err)
	}
	failed, _ = c.Failed(ctx)
	if err := c.DiscardOperation(ctx, failed[0].ID); err != nil {
		t.Fatalf("DiscardOperation failed: %v", err)
	}
	if _, err := c.Get(ctx, EntityActors, rec.LocalID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("discarded create should drop its record, got %v", err)
	}

	stats, _ := c.Stats(ctx)
	if stats.Failed != 0 || stats.Queued != 0 {
		t.Errorf("stats = %+v, want empty outbox", stats)
	}
}

func TestClient_Bulk(t *testing.T) {
	c := newTestClient(t, Config{})
	ctx := context.Background()

	campaign, err := c.Create(ctx, CreateParams{EntityType: EntityCampaigns, Payload: json.RawMessage(`{"title":"Spring"}`)})
	if err != nil {
		t.Fatal(err)
	}
	op, err := c.Bulk(ctx, BulkParams{EntityType: EntityCampaigns, LocalID: campaign.LocalID(), Action: "enroll", Members: []string{"srv-1", "srv-2"}})
	if err != nil {
		t.Fatalf("Bulk failed: %v", err)
	}
	if op.Type != OpBulk || op.Action != "enroll" {
		t.Errorf("op = %+v", op)
	}
	if _, err := c.Bulk(ctx, BulkParams{EntityType: EntityCampaigns, LocalID: campaign.LocalID()}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("missing action err = %v, want ErrInvalidPayload", err)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c, err := New(Config{LocalPath: filepath.Join(t.TempDir(), "c.db")})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestClient_LogoutClearsRemoteToken(t *testing.T) {
	srv := &tokenServer{fakeServer: newFakeServer()}
	c := newTestClient(t, Config{}, WithRemote(srv), WithBroadcaster(NewLocalBroadcast()))

	if err := c.Login(context.Background(), Session{Token: "tok-1", Scope: Scope{UserID: "u1"}}); err != nil {
		t.Fatal(err)
	}
	c.Logout()

	srv.mu.Lock()
	token := srv.token
	srv.mu.Unlock()
	if token != "" {
		t.Errorf("remote token = %q after logout, want cleared", token)
	}
}
