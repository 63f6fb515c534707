package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/pdpatch/idgen"
)

// Event types recorded by the service.
const (
	EventPlanResolved  = "plan.resolved"
	EventPlanFailed    = "plan.failed"
	EventPatchApplied  = "patch.applied"
	EventPatchReverted = "patch.reverted"
	EventPatchReapply  = "patch.reapplied"
	EventTabNavigated  = "tab.navigated"
)

// Event is a domain-level event about one tab.
type Event struct {
	Type    string `json:"type"`
	TabID   string `json:"tab_id"`
	URL     string `json:"url"`
	Details string `json:"details,omitempty"` // optional JSON
	Success bool   `json:"success"`
}

// EventLogger writes domain events.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewEventLogger creates a logger backed by the observability database.
func NewEventLogger(db *sql.DB, gen idgen.Generator) *EventLogger {
	if gen == nil {
		gen = idgen.Prefixed("evt_", idgen.Default)
	}
	return &EventLogger{db: db, newID: gen}
}

// Log records an event. Errors are logged via slog but never propagate, so a
// failing observability store never blocks a patch. Safe on a nil logger.
func (l *EventLogger) Log(ctx context.Context, e Event) {
	if l == nil {
		return
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO event_log (event_id, event_type, tab_id, url, details, success, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		l.newID(), e.Type, e.TabID, e.URL, e.Details, e.Success, time.Now().UnixMilli())
	if err != nil {
		slog.Error("observability: event log failed", "error", err, "event_type", e.Type)
	}
}

// Recent returns the latest events of a tab, newest first.
func (l *EventLogger) Recent(ctx context.Context, tabID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, tab_id, url, COALESCE(details, ''), success
		FROM event_log WHERE tab_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, tabID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Type, &e.TabID, &e.URL, &e.Details, &e.Success); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retention.
func (l *EventLogger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM event_log WHERE created_at < ?",
		time.Now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return res.RowsAffected()
}
