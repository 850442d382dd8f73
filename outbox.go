package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
)

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Applied   int `json:"applied"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Recovered int `json:"recovered"`
}

// OutboxOptions tunes replay behavior.
type OutboxOptions struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RequestTimeout time.Duration
	// StaleInFlightAfter requeues in-flight operations older than this at drain start.
	StaleInFlightAfter time.Duration
}

// Outbox replays pending operations against the server in enqueue order.
type Outbox struct {
	store  *Store
	remote Remote
	opts   OutboxOptions
	debug  *DebugLogger
	group  singleflight.Group

	now func() time.Time
}

// NewOutbox creates an outbox draining store against remote.
func NewOutbox(store *Store, remote Remote, opts OutboxOptions, debug *DebugLogger) *Outbox {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 8
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.StaleInFlightAfter <= 0 {
		opts.StaleInFlightAfter = 2 * opts.RequestTimeout
	}
	return &Outbox{
		store:  store,
		remote: remote,
		opts:   opts,
		debug:  debug,
		now:    time.Now,
	}
}

// Drain replays operations until none remain eligible or ctx is done.
// Concurrent callers share one pass. Cancelling ctx stops further claims; a
// replay already sent finishes on its own timeout and its outcome is recorded.
// It returns ErrUnauthorized when the server rejected the session; the
// operation involved stays queued.
func (o *Outbox) Drain(ctx context.Context) (*DrainResult, error) {
	for {
		v, err, _ := o.group.Do("drain", func() (any, error) {
			return o.drain(ctx)
		})
		// Joined a pass whose caller went away; run one of our own.
		if ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			continue
		}
		res, _ := v.(*DrainResult)
		if res == nil {
			res = &DrainResult{}
		}
		return res, err
	}
}

func (o *Outbox) drain(ctx context.Context) (*DrainResult, error) {
	res := &DrainResult{}

	recovered, err := o.store.RecoverInFlight(ctx, o.now().Add(-o.opts.StaleInFlightAfter))
	if err != nil {
		return res, fmt.Errorf("outbox: %w", err)
	}
	res.Recovered = recovered

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		op, err := o.store.NextEligible(ctx, o.now())
		if err != nil {
			return res, fmt.Errorf("outbox: %w", err)
		}
		if op == nil {
			o.debug.LogSync("drain", fmt.Sprintf("done: applied=%d retried=%d failed=%d", res.Applied, res.Retried, res.Failed))
			return res, nil
		}

		claimed, err := o.store.Claim(ctx, op.ID)
		if err != nil {
			return res, fmt.Errorf("outbox: %w", err)
		}
		if !claimed {
			continue
		}
		o.debug.LogOperation(op, "in-flight")

		if err := o.replay(ctx, op, res); err != nil {
			return res, err
		}
	}
}

// replay submits one claimed operation and records the outcome. Once sent,
// the call is not cancelled with ctx: the server may apply it either way.
func (o *Outbox) replay(ctx context.Context, op *PendingOperation, res *DrainResult) error {
	ctx = context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	result, err := o.remote.Replay(callCtx, op)
	cancel()

	if err == nil {
		serverID := ""
		if result != nil {
			serverID = result.ServerID
		}
		return o.complete(ctx, op, serverID, res)
	}

	if existing, ok := alreadyApplied(op, err); ok {
		o.debug.LogOperation(op, "already applied on server")
		return o.complete(ctx, op, existing, res)
	}

	kind := Classify(err)
	switch {
	case kind == KindAuthorization:
		// Session problem, not an operation problem: keep it queued untouched.
		if rerr := o.store.RequeueOperation(ctx, op, err, kind, op.RetryCount, op.NextAttemptAt); rerr != nil {
			return fmt.Errorf("outbox: %w", rerr)
		}
		o.debug.LogOperation(op, "requeued: unauthorized")
		return fmt.Errorf("outbox: replay %d: %w", op.ID, ErrUnauthorized)

	case kind.Permanent() || kind == KindCorruption:
		if ferr := o.store.FailOperation(ctx, op, err, kind, op.RetryCount); ferr != nil {
			return fmt.Errorf("outbox: %w", ferr)
		}
		res.Failed++
		o.debug.LogOperation(op, "failed: "+err.Error())
		return nil

	default:
		retries := op.RetryCount + 1
		if retries >= o.opts.MaxRetries {
			if ferr := o.store.FailOperation(ctx, op, err, kind, retries); ferr != nil {
				return fmt.Errorf("outbox: %w", ferr)
			}
			res.Failed++
			o.debug.LogOperation(op, "failed: retries exhausted")
			return nil
		}
		next := o.now().Add(o.backoff(retries))
		if rerr := o.store.RequeueOperation(ctx, op, err, kind, retries, next); rerr != nil {
			return fmt.Errorf("outbox: %w", rerr)
		}
		res.Retried++
		o.debug.LogOperation(op, fmt.Sprintf("requeued: retry %d at %s", retries, next.Format(time.RFC3339)))
		return nil
	}
}

func (o *Outbox) complete(ctx context.Context, op *PendingOperation, serverID string, res *DrainResult) error {
	if err := o.store.CompleteOperation(ctx, op, serverID); err != nil {
		if errors.Is(err, ErrIdentityConflict) || errors.Is(err, ErrCorruptState) {
			if ferr := o.store.FailOperation(ctx, op, err, KindCorruption, op.RetryCount); ferr != nil {
				return fmt.Errorf("outbox: %w", ferr)
			}
			res.Failed++
			return nil
		}
		return fmt.Errorf("outbox: %w", err)
	}
	res.Applied++
	o.debug.LogOperation(op, "applied")
	return nil
}

// backoff returns the capped exponential delay before the given retry.
func (o *Outbox) backoff(retries int) time.Duration {
	b := retry.NewExponential(o.opts.BackoffBase)
	b = retry.WithCappedDuration(o.opts.BackoffMax, b)
	b = retry.WithJitterPercent(10, b)

	var d time.Duration
	for i := 0; i < retries; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// alreadyApplied reports whether a replay failure means the server already
// holds the operation's effect, returning the server id to bind.
func alreadyApplied(op *PendingOperation, err error) (string, bool) {
	var se *SyncError
	if !errors.As(err, &se) {
		return "", false
	}
	switch {
	case op.Type == OpCreate && se.StatusCode == http.StatusConflict:
		if op.NaturalKey == "" || se.Key != op.NaturalKey || se.ExistingID == "" {
			return "", false
		}
		return se.ExistingID, true
	case op.Type == OpDelete && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone):
		return "", true
	}
	return "", false
}
