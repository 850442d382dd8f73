package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// CheckResult summarizes one delta check.
type CheckResult struct {
	ServerTime int64                       `json:"server_time"`
	Refetched  []EntityType                `json:"refetched"`
	Applied    map[EntityType]*ApplyResult `json:"applied"`
}

// Puller turns server change counts into targeted collection refetches.
type Puller struct {
	store       *Store
	remote      Remote
	debug       *DebugLogger
	timeout     time.Duration
	concurrency int
}

// NewPuller creates a puller. timeout bounds each network call.
func NewPuller(store *Store, remote Remote, timeout time.Duration, concurrency int, debug *DebugLogger) *Puller {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Puller{store: store, remote: remote, debug: debug, timeout: timeout, concurrency: concurrency}
}

// FullSync fetches every collection and seeds its cursor from the snapshot's
// server time. One collection's failure does not stop the others; failures
// are joined into the returned error. Nothing is applied once ctx is done.
func (p *Puller) FullSync(ctx context.Context, scope Scope) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	scopeHash := scope.Hash()

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, et := range EntityTypes() {
		g.Go(func() error {
			if _, err := p.pullCollection(ctx, et, scopeHash, 0); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		if anyUnauthorized(errs) {
			return fmt.Errorf("full sync: %w: %w", ErrUnauthorized, err)
		}
		return fmt.Errorf("full sync: %w", err)
	}
	if err := p.store.MarkFullSync(time.Now()); err != nil {
		return fmt.Errorf("full sync: %w", err)
	}
	p.debug.LogSync("full_sync", "all collections applied")
	return nil
}

// pullCollection fetches one collection with retries on transient failure and
// applies it. A zero cursorTime uses the snapshot's server time.
func (p *Puller) pullCollection(ctx context.Context, et EntityType, scopeHash string, cursorTime int64) (*ApplyResult, error) {
	b := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))

	var snap *CollectionSnapshot
	var fetchedAt time.Time
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		fetchedAt = time.Now()
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		var err error
		snap, err = p.remote.FetchCollection(callCtx, et)
		if err != nil && Classify(err) == KindTransient {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		p.debug.LogError("fetch "+string(et), err)
		return nil, fmt.Errorf("fetch %s: %w", et, err)
	}

	fetched := *snap
	fetched.FetchedAt = fetchedAt
	if cursorTime == 0 {
		cursorTime = fetched.ServerTime
	}
	res, err := p.store.ApplySnapshot(ctx, et, &fetched, cursorTime, scopeHash)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", et, err)
	}
	p.debug.LogSync("pull", fmt.Sprintf("%s: inserted=%d updated=%d deleted=%d skipped=%d deferred=%d",
		et, res.Inserted, res.Updated, res.Deleted, res.Skipped, res.Deferred))
	return res, nil
}

// Check runs one delta check and refetches every collection that changed or
// has no trustworthy cursor. Cursors advance to the delta response's server
// time, never to the local clock.
//
// An unreadable cursor table is reset and flagged for a full sync; the error
// wraps ErrCorruptState.
func (p *Puller) Check(ctx context.Context, scope Scope) (*CheckResult, error) {
	cursors, err := p.store.Cursors(ctx)
	if err != nil {
		if errors.Is(err, ErrCorruptState) {
			if rerr := p.store.ResetCursors(ctx); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
		}
		return nil, fmt.Errorf("delta check: %w", err)
	}

	scopeHash := scope.Hash()
	valid := make(map[EntityType]bool)
	var lastSync int64
	for et, c := range cursors {
		if c.OwnerScopeHash != scopeHash || c.LastSyncedAt <= 0 {
			continue
		}
		valid[et] = true
		if lastSync == 0 || c.LastSyncedAt < lastSync {
			lastSync = c.LastSyncedAt
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	delta, err := p.remote.CheckDelta(callCtx, lastSync)
	cancel()
	if err != nil {
		if Classify(err) == KindAuthorization {
			return nil, fmt.Errorf("delta check: %w: %w", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("delta check: %w", err)
	}

	result := &CheckResult{ServerTime: delta.ServerTime, Applied: make(map[EntityType]*ApplyResult)}
	var errs []error
	for _, et := range EntityTypes() {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("delta check: %w", err)
		}
		count := delta.Counts[string(et)]
		if valid[et] && count == 0 {
			if err := p.store.AdvanceCursor(ctx, et, delta.ServerTime, scopeHash); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		applied, err := p.pullCollection(ctx, et, scopeHash, delta.ServerTime)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result.Refetched = append(result.Refetched, et)
		result.Applied[et] = applied
	}

	if err := errors.Join(errs...); err != nil {
		if anyUnauthorized(errs) {
			return result, fmt.Errorf("delta check: %w: %w", ErrUnauthorized, err)
		}
		return result, fmt.Errorf("delta check: %w", err)
	}
	return result, nil
}

// anyUnauthorized reports whether any of errs is an authorization failure.
// Classify on a joined error only sees the first SyncError.
func anyUnauthorized(errs []error) bool {
	for _, err := range errs {
		if Classify(err) == KindAuthorization {
			return true
		}
	}
	return false
}
