package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Option customizes a Client.
type Option func(*clientOptions)

type clientOptions struct {
	remote      Remote
	broadcaster Broadcaster
}

// WithRemote replaces the HTTP remote built from Config.ServerURL.
func WithRemote(r Remote) Option {
	return func(o *clientOptions) { o.remote = r }
}

// WithBroadcaster replaces the file broadcaster in the store directory.
func WithBroadcaster(b Broadcaster) Option {
	return func(o *clientOptions) { o.broadcaster = b }
}

// Client is the main interface for offline-capable reads and writes.
type Client struct {
	store  *Store
	remote Remote
	outbox *Outbox
	puller *Puller
	orch   *Orchestrator
	bc     Broadcaster
	debug  *DebugLogger
	config Config

	mu          sync.Mutex
	session     *Session
	unlockTimer *time.Timer
}

// New creates a fieldsync client. Without a ServerURL or WithRemote the
// client works offline-only: mutations queue but never drain.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	debug, err := NewDebugLogger(cfg.Debug, cfg.DebugLogPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	store, err := NewStore(cfg.LocalPath)
	if err != nil {
		_ = debug.Close()
		return nil, fmt.Errorf("client: %w", err)
	}
	store.SetOutboxLimit(cfg.MaxQueuedOperations)

	c := &Client{
		store:  store,
		debug:  debug,
		config: cfg,
		remote: o.remote,
		bc:     o.broadcaster,
	}

	if c.remote == nil && cfg.ServerURL != "" {
		c.remote = NewHTTPRemote(cfg.ServerURL, cfg.ClientID).WithDebugLogger(debug)
	}

	if c.bc == nil {
		bc, err := NewFileBroadcast(store.Dir(), debug)
		if err != nil {
			_ = store.Close()
			_ = debug.Close()
			return nil, fmt.Errorf("client: %w", err)
		}
		c.bc = bc
	}

	if c.remote != nil {
		c.outbox = NewOutbox(store, c.remote, OutboxOptions{
			MaxRetries:     cfg.MaxRetries,
			BackoffBase:    cfg.BackoffBase,
			BackoffMax:     cfg.BackoffMax,
			RequestTimeout: cfg.RequestTimeout,
		}, debug)
		c.puller = NewPuller(store, c.remote, cfg.RequestTimeout, cfg.FetchConcurrency, debug)
		c.orch = NewOrchestrator(store, c.puller, c.outbox, c.bc, OrchestratorOptions{
			ActiveInterval:     cfg.ActiveInterval,
			BackgroundInterval: cfg.BackgroundInterval,
			DrainInterval:      cfg.DrainInterval,
			QueueWarnThreshold: cfg.QueueWarnThreshold,
		}, debug)
		c.orch.OnStop(func(reason SessionEndReason) {
			if reason != ReasonLogout {
				c.clearSession()
			}
		})
	}

	return c, nil
}

// Login starts a session: the remote receives the token and the orchestrator
// runs its blocking full sync before polling begins.
func (c *Client) Login(ctx context.Context, sess Session) error {
	if err := c.SetSession(sess); err != nil {
		return fmt.Errorf("client: login: %w", err)
	}
	if c.orch == nil {
		return nil
	}
	if err := c.orch.Start(ctx, sess.Scope); err != nil {
		if errors.Is(err, ErrOrchestratorActive) {
			c.clearSession()
		}
		return fmt.Errorf("client: login: %w", err)
	}
	return nil
}

// SetSession installs a session without starting background sync. Manual
// Sync calls use it; Login calls it before starting the orchestrator.
func (c *Client) SetSession(sess Session) error {
	if sess.Scope.UserID == "" {
		return &ValidationError{Field: "Scope.UserID", Message: "required"}
	}

	if ts, ok := c.remote.(TokenSetter); ok {
		ts.SetToken(sess.Token)
	}
	if err := c.store.SetMetadata(metaScopeHash, sess.Scope.Hash()); err != nil {
		return err
	}

	c.mu.Lock()
	c.session = &sess
	c.mu.Unlock()
	c.Touch()
	return nil
}

// OnSessionEnd registers fn to run whenever background sync stops, with the reason.
func (c *Client) OnSessionEnd(fn func(SessionEndReason)) {
	if c.orch != nil {
		c.orch.OnStop(fn)
	}
}

// Logout ends the session in this and every other process sharing the store.
func (c *Client) Logout() {
	c.EndSession(ReasonLogout)
}

// EndSession stops syncing for the given reason and invalidates the session
// in every process sharing the store.
func (c *Client) EndSession(reason SessionEndReason) {
	c.clearSession()
	if c.orch != nil {
		c.orch.SessionEnded(reason)
		return
	}
	if err := c.bc.Publish(Message{Type: MessageSessionInvalidated, Reason: reason}); err != nil {
		c.debug.LogError("broadcast session end", err)
	}
}

// Session returns the active session, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Touch records user activity and re-arms the local unlock timer.
func (c *Client) Touch() {
	if c.config.UnlockTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}
	if c.unlockTimer != nil {
		c.unlockTimer.Stop()
	}
	c.unlockTimer = time.AfterFunc(c.config.UnlockTimeout, func() {
		c.EndSession(ReasonUnlockTimeout)
	})
}

// clearSession forgets the session and the remote's token.
func (c *Client) clearSession() {
	if ts, ok := c.remote.(TokenSetter); ok {
		ts.SetToken("")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	if c.unlockTimer != nil {
		c.unlockTimer.Stop()
		c.unlockTimer = nil
	}
}

// SetVisible forwards a visibility change to the orchestrator.
func (c *Client) SetVisible(visible bool) {
	if c.orch != nil {
		c.orch.VisibilityChanged(visible)
	}
}

// SetOnline forwards a connectivity change to the orchestrator.
func (c *Client) SetOnline(online bool) {
	if c.orch != nil {
		c.orch.ConnectivityChanged(online)
	}
}

// Create records a new entity locally and queues its create.
func (c *Client) Create(ctx context.Context, params CreateParams) (*LocalRecord, error) {
	rec, op, err := c.store.CreateRecord(ctx, params)
	if err != nil {
		return nil, err
	}
	c.afterMutation(ctx, op)
	return rec, nil
}

// Update merges patch into the record and queues the update.
func (c *Client) Update(ctx context.Context, params UpdateParams) (*LocalRecord, error) {
	rec, op, err := c.store.UpdateRecord(ctx, params)
	if err != nil {
		return nil, err
	}
	c.afterMutation(ctx, op)
	return rec, nil
}

// Delete removes the record locally and queues the delete. A record the
// server never saw is simply dropped.
func (c *Client) Delete(ctx context.Context, et EntityType, localID string) error {
	op, _, err := c.store.DeleteRecord(ctx, et, localID)
	if err != nil {
		return err
	}
	c.afterMutation(ctx, op)
	return nil
}

// Bulk queues one domain action over many members as a single operation.
func (c *Client) Bulk(ctx context.Context, params BulkParams) (*PendingOperation, error) {
	op, err := c.store.BulkRecord(ctx, params)
	if err != nil {
		return nil, err
	}
	c.afterMutation(ctx, op)
	return op, nil
}

func (c *Client) afterMutation(ctx context.Context, op *PendingOperation) {
	if op != nil {
		c.debug.LogOperation(op, "queued")
	}
	c.Touch()
	if c.orch != nil {
		c.orch.RefreshStatus(ctx)
		c.orch.RequestDrain()
	}
}

// Get returns a record by local id.
func (c *Client) Get(ctx context.Context, et EntityType, localID string) (*LocalRecord, error) {
	return c.store.GetRecord(ctx, et, localID)
}

// GetByServerID returns a record by server id.
func (c *Client) GetByServerID(ctx context.Context, et EntityType, serverID string) (*LocalRecord, error) {
	return c.store.GetRecordByServerID(ctx, et, serverID)
}

// List returns every record of a collection.
func (c *Client) List(ctx context.Context, et EntityType) ([]LocalRecord, error) {
	return c.store.ListRecords(ctx, et, "")
}

// Pending returns every unapplied operation in enqueue order.
func (c *Client) Pending(ctx context.Context) ([]PendingOperation, error) {
	return c.store.ListOperations(ctx, StatusQueued, StatusInFlight, StatusFailed)
}

// Operations returns operations in the given statuses, in enqueue order.
func (c *Client) Operations(ctx context.Context, statuses ...OperationStatus) ([]PendingOperation, error) {
	return c.store.ListOperations(ctx, statuses...)
}

// Failed returns the operations awaiting user resolution.
func (c *Client) Failed(ctx context.Context) ([]PendingOperation, error) {
	return c.store.ListOperations(ctx, StatusFailed)
}

// RetryOperation requeues a failed operation.
func (c *Client) RetryOperation(ctx context.Context, id int64) error {
	if err := c.store.RetryOperation(ctx, id); err != nil {
		return err
	}
	c.afterMutation(ctx, nil)
	return nil
}

// DiscardOperation drops a failed operation.
func (c *Client) DiscardOperation(ctx context.Context, id int64) error {
	if err := c.store.DiscardOperation(ctx, id); err != nil {
		return err
	}
	c.afterMutation(ctx, nil)
	return nil
}

// Status returns a non-blocking snapshot of the sync subsystem.
func (c *Client) Status() SyncStatus {
	if c.orch != nil {
		return c.orch.Status()
	}
	return SyncStatus{
		State:   StateStopped,
		Polling: PollingState{Tier: TierOffline},
	}
}

// Stats summarizes the local store.
func (c *Client) Stats(ctx context.Context) (*StoreStats, error) {
	return c.store.Stats(ctx)
}

// Cursors returns the persisted sync cursors.
func (c *Client) Cursors(ctx context.Context) (map[EntityType]SyncCursor, error) {
	return c.store.Cursors(ctx)
}

// SyncReport is the outcome of a manual sync.
type SyncReport struct {
	Check *CheckResult `json:"check,omitempty"`
	Drain *DrainResult `json:"drain,omitempty"`
}

// Sync runs a delta check (or a full sync when full is set) followed by a
// drain, synchronously. Pull and drain errors are joined.
func (c *Client) Sync(ctx context.Context, full bool) (*SyncReport, error) {
	if c.remote == nil {
		return nil, ErrOffline
	}
	sess := c.Session()
	if sess == nil {
		return nil, ErrNoSession
	}

	report := &SyncReport{}
	var pullErr error
	if full {
		pullErr = c.puller.FullSync(ctx, sess.Scope)
	} else {
		report.Check, pullErr = c.puller.Check(ctx, sess.Scope)
	}
	if errors.Is(pullErr, ErrUnauthorized) {
		return report, pullErr
	}

	var drainErr error
	report.Drain, drainErr = c.outbox.Drain(ctx)
	if c.orch != nil {
		c.orch.RefreshStatus(ctx)
	}
	return report, errors.Join(pullErr, drainErr)
}

// Close stops syncing and releases the store. Other processes keep running.
func (c *Client) Close() error {
	if c.orch != nil {
		c.orch.Stop(ReasonLogout)
	}
	c.clearSession()

	var errs []error
	if err := c.bc.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.debug.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
