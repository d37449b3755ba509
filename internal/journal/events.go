package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/gerritwatch/internal/gerrit"
)

// Entry is one archived event.
type Entry struct {
	ID         int64
	ReceivedAt time.Time
	Type       string
	Project    string
	Event      gerrit.Event
}

// Append stores ev with the current time and returns its row ID.
func (db *DB) Append(ctx context.Context, ev gerrit.Event) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encoding event: %w", err)
	}

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO events (received_at, type, project, payload) VALUES (?, ?, ?, ?)`,
		db.now().UnixNano(), ev.Type(), eventProject(ev), string(payload),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to n entries, newest first.
func (db *DB) Recent(ctx context.Context, n int) ([]Entry, error) {
	return db.query(ctx,
		`SELECT id, received_at, type, project, payload FROM events ORDER BY id DESC LIMIT ?`, n)
}

// RecentForProject is Recent restricted to one project.
func (db *DB) RecentForProject(ctx context.Context, project string, n int) ([]Entry, error) {
	return db.query(ctx,
		`SELECT id, received_at, type, project, payload FROM events WHERE project = ? ORDER BY id DESC LIMIT ?`,
		project, n)
}

// Count returns the number of archived events.
func (db *DB) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

func (db *DB) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			received int64
			payload  string
		)
		if err := rows.Scan(&e.ID, &received, &e.Type, &e.Project, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Event); err != nil {
			return nil, fmt.Errorf("decoding event %d: %w", e.ID, err)
		}
		e.ReceivedAt = time.Unix(0, received)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// eventProject finds the project an event belongs to. Change events carry
// it under "change", ref updates under "refUpdate".
func eventProject(ev gerrit.Event) string {
	for _, key := range []string{"change", "refUpdate"} {
		if obj, ok := ev[key].(map[string]any); ok {
			if p, ok := obj["project"].(string); ok {
				return p
			}
		}
	}
	if p, ok := ev["project"].(string); ok {
		return p
	}
	return ""
}
