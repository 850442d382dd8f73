package server

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Hierarchy is an in-memory parent/child index of territories
// (region, department, district, ...).
type Hierarchy struct {
	mu       sync.RWMutex
	children map[string][]string
}

// NewHierarchy creates an empty hierarchy.
func NewHierarchy() *Hierarchy {
	return &Hierarchy{children: make(map[string][]string)}
}

// Add records that child belongs to parent.
func (h *Hierarchy) Add(parent, child string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.children[parent] = append(h.children[parent], child)
}

// Descendants returns id followed by every territory below it, breadth first.
// An unknown id yields just itself. Cycles are tolerated.
func (h *Hierarchy) Descendants(id string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := map[string]bool{id: true}
	out := []string{id}
	for i := 0; i < len(out); i++ {
		for _, child := range h.children[out[i]] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
		}
	}
	return out
}

// LoadHierarchy reads a territories(id, parent_id) table.
// Rows with a NULL or empty parent are roots.
func LoadHierarchy(ctx context.Context, db *sql.DB) (*Hierarchy, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, parent_id FROM territories`)
	if err != nil {
		return nil, fmt.Errorf("load territories: %w", err)
	}
	defer rows.Close()

	h := NewHierarchy()
	for rows.Next() {
		var id string
		var parent sql.NullString
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, fmt.Errorf("scan territory: %w", err)
		}
		if parent.Valid && parent.String != "" {
			h.Add(parent.String, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load territories: %w", err)
	}
	return h, nil
}
