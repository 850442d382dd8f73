package fieldsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// activeOrchestrator holds the one running orchestrator of this process.
var activeOrchestrator atomic.Pointer[Orchestrator]

// OrchestratorOptions tunes polling cadence.
type OrchestratorOptions struct {
	ActiveInterval     time.Duration
	BackgroundInterval time.Duration
	DrainInterval      time.Duration
	QueueWarnThreshold int
}

// Orchestrator owns the sync lifecycle: full sync on start, adaptive
// polling, suspension while offline, and shutdown on session end.
//
// It is driven by explicit signals (VisibilityChanged, ConnectivityChanged,
// SessionEnded); each call produces one deterministic transition.
type Orchestrator struct {
	store  *Store
	puller *Puller
	outbox *Outbox
	bc     Broadcaster
	debug  *DebugLogger
	opts   OrchestratorOptions

	mu          sync.Mutex
	state       OrchestratorState
	visible     bool
	online      bool
	scope       Scope
	run         *run
	retune      chan struct{}
	force       chan struct{}
	unsubscribe func()
	onStop      []func(SessionEndReason)

	lastCheck time.Time
	lastDrain time.Time
	lastErr   string
	pending   int
	failed    int
	forced    bool
}

// run is one Start..Stop generation. Its context is cancelled by Stop, so
// checks and drains it started stop claiming work; results from a run that
// is no longer current are discarded.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc

	checking atomic.Bool
	draining atomic.Bool
}

func newRun() *run {
	r := &run{}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// NewOrchestrator creates a stopped orchestrator. It starts visible and online.
func NewOrchestrator(store *Store, puller *Puller, outbox *Outbox, bc Broadcaster, opts OrchestratorOptions, debug *DebugLogger) *Orchestrator {
	if opts.ActiveInterval <= 0 {
		opts.ActiveInterval = 30 * time.Second
	}
	if opts.BackgroundInterval <= 0 {
		opts.BackgroundInterval = 5 * time.Minute
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = time.Minute
	}
	return &Orchestrator{
		store:   store,
		puller:  puller,
		outbox:  outbox,
		bc:      bc,
		debug:   debug,
		opts:    opts,
		state:   StateStopped,
		visible: true,
		online:  true,
	}
}

// OnStop registers a callback run after every transition to stopped.
func (o *Orchestrator) OnStop(fn func(SessionEndReason)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onStop = append(o.onStop, fn)
}

// Start runs the blocking full sync, drains operations left from a previous
// session, then begins polling. Only one orchestrator may run per process.
//
// Full-sync and drain failures are recorded in Status and do not prevent
// polling, except ErrUnauthorized, which stops the orchestrator and is returned.
func (o *Orchestrator) Start(ctx context.Context, scope Scope) error {
	o.mu.Lock()
	if o.state != StateStopped {
		o.mu.Unlock()
		return nil
	}
	if !activeOrchestrator.CompareAndSwap(nil, o) {
		o.mu.Unlock()
		return ErrOrchestratorActive
	}
	r := newRun()
	o.run = r
	o.scope = scope
	o.state = StateFullSync
	o.lastErr = ""
	o.retune = make(chan struct{}, 1)
	o.force = make(chan struct{}, 1)
	online := o.online
	o.mu.Unlock()

	// Stop cancels the blocking start as well.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(r.ctx, cancel)()

	if o.bc != nil {
		msgs, unsubscribe := o.bc.Subscribe()
		o.mu.Lock()
		if o.run == r {
			o.unsubscribe, unsubscribe = unsubscribe, nil
		}
		o.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		} else {
			go o.watchBroadcast(r, msgs)
		}
	}
	o.debug.LogSync("orchestrator", "full sync started")

	if online {
		if err := o.puller.FullSync(ctx, scope); err != nil {
			o.recordError(r, err)
			if errors.Is(err, ErrUnauthorized) {
				o.endIfCurrent(r, ReasonUnauthorized)
				return err
			}
		}
		if !o.current(r) {
			return nil
		}
		if _, err := o.outbox.Drain(ctx); err != nil {
			o.recordError(r, err)
			if errors.Is(err, ErrUnauthorized) {
				o.endIfCurrent(r, ReasonUnauthorized)
				return err
			}
		}
		o.mu.Lock()
		o.lastDrain = time.Now()
		o.mu.Unlock()
	}
	o.RefreshStatus(ctx)

	o.mu.Lock()
	if o.run != r {
		o.mu.Unlock()
		return nil
	}
	o.state = o.runningStateLocked()
	o.mu.Unlock()

	go o.loop(r)
	o.debug.LogSync("orchestrator", "polling started")
	return nil
}

// Stop moves to stopped. It is immediate and idempotent: scheduled ticks are
// cancelled and running checks and drains stop claiming work. A replay
// already sent finishes on its own timeout; other results are discarded.
func (o *Orchestrator) Stop(reason SessionEndReason) {
	o.stop(nil, reason)
}

// stop ends the current run, or only r when r is set.
func (o *Orchestrator) stop(r *run, reason SessionEndReason) {
	o.mu.Lock()
	if o.state == StateStopped || (r != nil && o.run != r) {
		o.mu.Unlock()
		return
	}
	o.state = StateStopped
	o.run.cancel()
	o.run = nil
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	callbacks := append([]func(SessionEndReason){}, o.onStop...)
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	activeOrchestrator.CompareAndSwap(o, nil)
	o.debug.LogSync("orchestrator", "stopped: "+string(reason))

	for _, fn := range callbacks {
		fn(reason)
	}
}

// SessionEnded stops polling and tells every other process sharing the store
// to stop as well.
func (o *Orchestrator) SessionEnded(reason SessionEndReason) {
	o.Stop(reason)
	if o.bc != nil && reason != ReasonInvalidated {
		if err := o.bc.Publish(Message{Type: MessageSessionInvalidated, Reason: reason}); err != nil {
			o.debug.LogError("broadcast session end", err)
		}
	}
}

// VisibilityChanged switches between the active and background tiers.
// Becoming visible forces an immediate check.
func (o *Orchestrator) VisibilityChanged(visible bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	changed := o.visible != visible
	o.visible = visible
	if !changed || !o.runningLocked() {
		return
	}
	o.signalLocked(o.retune)
	if visible && o.online {
		o.signalLocked(o.force)
	}
}

// ConnectivityChanged suspends polling while offline. Recovery forces an
// immediate check and drain.
func (o *Orchestrator) ConnectivityChanged(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	changed := o.online != online
	o.online = online
	if !changed || !o.runningLocked() {
		return
	}
	if o.state != StateFullSync {
		o.state = o.runningStateLocked()
	}
	o.signalLocked(o.retune)
	if online {
		o.signalLocked(o.force)
	}
}

// ForceCheck requests an immediate delta check and drain.
func (o *Orchestrator) ForceCheck() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runningLocked() && o.online {
		o.signalLocked(o.force)
	}
}

// RequestDrain schedules a background drain when polling and online.
func (o *Orchestrator) RequestDrain() {
	o.mu.Lock()
	ok := o.runningLocked() && o.state != StateFullSync && o.online
	r := o.run
	o.mu.Unlock()
	if ok {
		o.kickDrain(r)
	}
}

// Tier returns the current polling frequency tier.
func (o *Orchestrator) Tier() Tier {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tierLocked()
}

// State returns the lifecycle state.
func (o *Orchestrator) State() OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns the cached sync status without touching the store or network.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return SyncStatus{
		State: o.state,
		Polling: PollingState{
			Tier:        o.tierLocked(),
			Running:     o.state != StateStopped,
			LastCheckAt: o.lastCheck,
		},
		LastError:      o.lastErr,
		PendingCount:   o.pending,
		FailedCount:    o.failed,
		QueueWarning:   o.opts.QueueWarnThreshold > 0 && o.pending >= o.opts.QueueWarnThreshold,
		LastDrainAt:    o.lastDrain,
		ForcedFullSync: o.forced,
	}
}

// RefreshStatus reloads the cached outbox counts.
func (o *Orchestrator) RefreshStatus(ctx context.Context) {
	pending, failed, err := o.store.OutboxCounts(ctx)
	if err != nil {
		o.debug.LogError("refresh status", err)
		return
	}
	forced, _ := o.store.ForceFullSyncRequested()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = pending
	o.failed = failed
	o.forced = forced
}

func (o *Orchestrator) loop(r *run) {
	drain := time.NewTicker(o.opts.DrainInterval)
	defer drain.Stop()

	for {
		o.mu.Lock()
		interval := o.intervalLocked()
		retune, force := o.retune, o.force
		o.mu.Unlock()

		var timer *time.Timer
		var tick <-chan time.Time
		if interval > 0 {
			timer = time.NewTimer(interval)
			tick = timer.C
		}

		select {
		case <-r.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-retune:
		case <-force:
			o.tick(r)
		case <-tick:
			o.tick(r)
		case <-drain.C:
			o.mu.Lock()
			online := o.online
			o.mu.Unlock()
			if online {
				o.kickDrain(r)
			}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// tick runs one delta check in the background, then drains regardless of
// the check result. Overlapping ticks of the same run are skipped.
func (o *Orchestrator) tick(r *run) {
	if !r.checking.CompareAndSwap(false, true) {
		return
	}
	o.mu.Lock()
	scope := o.scope
	o.mu.Unlock()

	go func() {
		defer r.checking.Store(false)

		_, err := o.puller.Check(r.ctx, scope)

		o.mu.Lock()
		if o.run != r {
			o.mu.Unlock()
			return
		}
		o.lastCheck = time.Now()
		if err != nil {
			o.lastErr = err.Error()
		}
		o.mu.Unlock()

		if err != nil {
			o.debug.LogError("delta check", err)
			if errors.Is(err, ErrUnauthorized) {
				o.endIfCurrent(r, ReasonUnauthorized)
				return
			}
		}
		o.kickDrain(r)
	}()
}

// kickDrain drains the outbox in the background.
func (o *Orchestrator) kickDrain(r *run) {
	if r == nil || !r.draining.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.draining.Store(false)

		_, err := o.outbox.Drain(r.ctx)
		if !o.current(r) {
			return
		}
		o.mu.Lock()
		o.lastDrain = time.Now()
		o.mu.Unlock()
		if err != nil {
			o.recordError(r, err)
			if errors.Is(err, ErrUnauthorized) {
				o.endIfCurrent(r, ReasonUnauthorized)
				return
			}
		}
		o.RefreshStatus(r.ctx)
	}()
}

func (o *Orchestrator) watchBroadcast(r *run, msgs <-chan Message) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if msg.Type != MessageSessionInvalidated || msg.Origin == o.bc.Origin() {
				continue
			}
			o.debug.LogSync("orchestrator", "session invalidated by "+msg.Origin)
			o.endIfCurrent(r, ReasonInvalidated)
			return
		}
	}
}

func (o *Orchestrator) current(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run == r
}

func (o *Orchestrator) endIfCurrent(r *run, reason SessionEndReason) {
	o.stop(r, reason)
}

func (o *Orchestrator) recordError(r *run, err error) {
	o.debug.LogError("orchestrator", err)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == r {
		o.lastErr = err.Error()
	}
}

func (o *Orchestrator) runningLocked() bool {
	return o.state != StateStopped
}

func (o *Orchestrator) runningStateLocked() OrchestratorState {
	if o.online {
		return StatePolling
	}
	return StateSuspended
}

func (o *Orchestrator) tierLocked() Tier {
	switch {
	case !o.online:
		return TierOffline
	case !o.visible:
		return TierBackground
	default:
		return TierActive
	}
}

// intervalLocked returns the tick interval for the current tier; zero means no tick.
func (o *Orchestrator) intervalLocked() time.Duration {
	switch o.tierLocked() {
	case TierActive:
		return o.opts.ActiveInterval
	case TierBackground:
		return o.opts.BackgroundInterval
	default:
		return 0
	}
}

func (o *Orchestrator) signalLocked(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
