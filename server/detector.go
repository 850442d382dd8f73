// Package server implements the server side of the delta check: per-collection
// change counts since a client's last sync, restricted to what the caller may see.
package server

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hyperengineering/fieldsync"
	"golang.org/x/sync/errgroup"
)

// DefaultWindow is how far back a check looks when lastSync is unusable.
const DefaultWindow = 24 * time.Hour

// Caller is the authenticated identity behind a request.
type Caller struct {
	UserID      string `json:"user_id" mapstructure:"user_id"`
	TerritoryID string `json:"territory_id" mapstructure:"territory_id"`
	PartyID     string `json:"party_id" mapstructure:"party_id"`
}

// Filter restricts counted rows. The zero Filter is unrestricted.
type Filter struct {
	LocationIDs []string
	PartyID     string
}

// Unrestricted reports whether the filter allows every row.
func (f Filter) Unrestricted() bool {
	return len(f.LocationIDs) == 0 && f.PartyID == ""
}

// TerritoryResolver expands a territory into itself plus every descendant.
type TerritoryResolver interface {
	Descendants(id string) []string
}

// Detector answers delta checks.
type Detector struct {
	Counter     ChangeCounter
	Territories TerritoryResolver
	Collections []string
	Window      time.Duration
	Now         func() time.Time
	Debug       *fieldsync.DebugLogger
}

// NewDetector creates a detector over every fieldsync collection.
func NewDetector(counter ChangeCounter, territories TerritoryResolver) *Detector {
	collections := make([]string, 0, len(fieldsync.EntityTypes()))
	for _, et := range fieldsync.EntityTypes() {
		collections = append(collections, string(et))
	}
	return &Detector{
		Counter:     counter,
		Territories: territories,
		Collections: collections,
		Window:      DefaultWindow,
		Now:         time.Now,
	}
}

// FilterFor derives the caller's authorization filter. A territory takes
// precedence over a party.
func (d *Detector) FilterFor(c Caller) Filter {
	switch {
	case c.TerritoryID != "":
		if d.Territories == nil {
			return Filter{LocationIDs: []string{c.TerritoryID}}
		}
		return Filter{LocationIDs: d.Territories.Descendants(c.TerritoryID)}
	case c.PartyID != "":
		return Filter{PartyID: c.PartyID}
	default:
		return Filter{}
	}
}

// Since parses the raw lastSync value. Missing, unparsable, non-positive or
// future values fall back to now minus the window.
func (d *Detector) Since(raw string, now time.Time) int64 {
	fallback := now.Add(-d.window()).UnixMilli()
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 || v > now.UnixMilli() {
		return fallback
	}
	return v
}

// Check counts every collection changed since lastSync that the caller may see.
func (d *Detector) Check(ctx context.Context, caller Caller, lastSync string) (*fieldsync.DeltaResponse, error) {
	now := d.now()
	since := d.Since(lastSync, now)
	filter := d.FilterFor(caller)

	var mu sync.Mutex
	resp := &fieldsync.DeltaResponse{
		Counts:     make(map[string]int, len(d.Collections)),
		Entities:   make(map[string]bool, len(d.Collections)),
		ServerTime: now.UnixMilli(),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, collection := range d.Collections {
		g.Go(func() error {
			n, err := d.Counter.CountChanges(gctx, collection, since, filter)
			if err != nil {
				return err
			}
			mu.Lock()
			resp.Counts[collection] = n
			resp.Entities[collection] = n > 0
			if n > 0 {
				resp.HasUpdates = true
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("delta check: %w", err)
	}

	d.Debug.LogSync("delta", fmt.Sprintf("user=%s since=%d hasUpdates=%t", caller.UserID, since, resp.HasUpdates))
	return resp, nil
}

func (d *Detector) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Detector) window() time.Duration {
	if d.Window > 0 {
		return d.Window
	}
	return DefaultWindow
}
