package journal

import (
	"context"
	"fmt"
	"time"
)

// LogEvent records a system event. Failures are returned to the caller but
// are never call-fatal; callers log and continue.
func (j *Journal) LogEvent(ctx context.Context, e *SystemEvent) error {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	e.CreatedAt = time.Now().UTC()

	_, err := j.db.ExecContext(ctx, j.db.rebind(
		`INSERT INTO system_events (event_type, severity, message, component,
		 call_id, conversation_id, metadata, stack_trace, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.EventType, e.Severity, e.Message, e.Component,
		e.CallID, e.ConversationID, e.Metadata, e.StackTrace, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting system event %q: %w", e.EventType, err)
	}
	return nil
}

// EventsForCall returns a call's system events in chronological order.
func (j *Journal) EventsForCall(ctx context.Context, callID string) ([]SystemEvent, error) {
	rows, err := j.db.QueryContext(ctx, j.db.rebind(
		`SELECT id, event_type, severity, message, component, call_id,
		 conversation_id, COALESCE(metadata, ''), stack_trace, created_at
		 FROM system_events WHERE call_id = ? ORDER BY created_at`), callID)
	if err != nil {
		return nil, fmt.Errorf("listing events for call %s: %w", callID, err)
	}
	defer rows.Close()

	var events []SystemEvent
	for rows.Next() {
		var e SystemEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Severity, &e.Message, &e.Component,
			&e.CallID, &e.ConversationID, &e.Metadata, &e.StackTrace, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning system event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
