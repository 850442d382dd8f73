package server

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hyperengineering/fieldsync"
)

// ChangeCounter counts rows of a collection changed after since (epoch ms)
// that the filter allows.
type ChangeCounter interface {
	CountChanges(ctx context.Context, collection string, since int64, f Filter) (int, error)
}

// TableSpec maps a collection onto a SQL table. An empty Location or Party
// means the table has no such column.
type TableSpec struct {
	Table     string
	UpdatedAt string
	Location  string
	Party     string
}

// DefaultTables is the stock layout: one table per collection named after it,
// with updated_at in epoch ms.
func DefaultTables() map[string]TableSpec {
	return map[string]TableSpec{
		string(fieldsync.EntityActors):       {Table: "actors", UpdatedAt: "updated_at", Location: "location_id", Party: "party_id"},
		string(fieldsync.EntityConventions):  {Table: "conventions", UpdatedAt: "updated_at", Location: "location_id", Party: "party_id"},
		string(fieldsync.EntityCalendars):    {Table: "calendars", UpdatedAt: "updated_at", Location: "location_id"},
		string(fieldsync.EntityTransactions): {Table: "transactions", UpdatedAt: "updated_at", Location: "location_id", Party: "party_id"},
		string(fieldsync.EntityCampaigns):    {Table: "campaigns", UpdatedAt: "updated_at", Party: "party_id"},
		string(fieldsync.EntityLocations):    {Table: "locations", UpdatedAt: "updated_at", Location: "id"},
	}
}

// SQLChangeCounter counts changes with one COUNT(*) query per collection.
type SQLChangeCounter struct {
	db     *sql.DB
	tables map[string]TableSpec
}

// NewSQLChangeCounter creates a counter over db. A nil tables map uses DefaultTables.
func NewSQLChangeCounter(db *sql.DB, tables map[string]TableSpec) *SQLChangeCounter {
	if tables == nil {
		tables = DefaultTables()
	}
	return &SQLChangeCounter{db: db, tables: tables}
}

// CountChanges implements ChangeCounter. A collection without a mapped table,
// or without the column a restricted caller needs, reports 0.
func (c *SQLChangeCounter) CountChanges(ctx context.Context, collection string, since int64, f Filter) (int, error) {
	spec, ok := c.tables[collection]
	if !ok {
		return 0, nil
	}

	query, args, ok := spec.countQuery(since, f)
	if !ok {
		return 0, nil
	}

	var n int
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// countQuery builds the filtered COUNT(*). ok is false when the filter cannot
// be applied to this table.
func (s TableSpec) countQuery(since int64, f Filter) (string, []any, bool) {
	updatedAt := s.UpdatedAt
	if updatedAt == "" {
		updatedAt = "updated_at"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT COUNT(*) FROM %s WHERE %s > ?", s.Table, updatedAt)
	args := []any{since}

	switch {
	case len(f.LocationIDs) > 0:
		if s.Location == "" {
			return "", nil, false
		}
		fmt.Fprintf(&b, " AND %s IN (%s)", s.Location, placeholders(len(f.LocationIDs)))
		for _, id := range f.LocationIDs {
			args = append(args, id)
		}
	case f.PartyID != "":
		if s.Party == "" {
			return "", nil, false
		}
		fmt.Fprintf(&b, " AND %s = ?", s.Party)
		args = append(args, f.PartyID)
	}
	return b.String(), args, true
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
