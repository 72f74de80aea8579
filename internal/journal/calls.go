package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Journal is the durable, append-mostly store of calls, conversations,
// messages, per-conversation metrics, and system events.
//
// Serialization is handled by the database; methods are safe for concurrent
// use.
type Journal struct {
	db     *DB
	logger *slog.Logger
}

// New creates a Journal over an opened database.
func New(db *DB, logger *slog.Logger) *Journal {
	return &Journal{
		db:     db,
		logger: logger.With("component", "journal"),
	}
}

// StartCall records a newly answered call.
func (j *Journal) StartCall(ctx context.Context, call *Call) error {
	now := time.Now().UTC()
	if call.StartTime.IsZero() {
		call.StartTime = now
	}
	if call.Status == "" {
		call.Status = CallStatusActive
	}
	call.CreatedAt = now

	_, err := j.db.ExecContext(ctx, j.db.rebind(
		`INSERT INTO calls (call_id, caller_number, called_number, trunk_name,
		 room_name, status, start_time, answer_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		call.CallID, call.CallerNumber, call.CalledNumber, call.TrunkName,
		call.RoomName, call.Status, call.StartTime, call.AnswerTime, call.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call %s: %w", call.CallID, err)
	}
	return nil
}

// EndCall marks a call finished, computing its duration. Status should be
// CallStatusCompleted or CallStatusFailed; reason is free-form.
func (j *Journal) EndCall(ctx context.Context, callID, status, reason string) error {
	now := time.Now().UTC()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning end-call transaction: %w", err)
	}
	defer tx.Rollback()

	var startTime time.Time
	err = tx.QueryRowContext(ctx, j.db.rebind(
		"SELECT start_time FROM calls WHERE call_id = ?"), callID).Scan(&startTime)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("ending call %s: not found", callID)
	}
	if err != nil {
		return fmt.Errorf("loading call %s: %w", callID, err)
	}

	duration := now.Sub(startTime).Seconds()
	_, err = tx.ExecContext(ctx, j.db.rebind(
		`UPDATE calls SET status = ?, end_time = ?, duration_sec = ?, end_reason = ?
		 WHERE call_id = ?`),
		status, now, duration, reason, callID,
	)
	if err != nil {
		return fmt.Errorf("updating call %s: %w", callID, err)
	}

	return tx.Commit()
}

// GetCall returns one call by call id.
func (j *Journal) GetCall(ctx context.Context, callID string) (*Call, error) {
	row := j.db.QueryRowContext(ctx, j.db.rebind(
		`SELECT id, call_id, caller_number, called_number, trunk_name, room_name,
		 status, start_time, answer_time, end_time, duration_sec, end_reason, created_at
		 FROM calls WHERE call_id = ?`), callID)

	var c Call
	err := row.Scan(&c.ID, &c.CallID, &c.CallerNumber, &c.CalledNumber, &c.TrunkName,
		&c.RoomName, &c.Status, &c.StartTime, &c.AnswerTime, &c.EndTime,
		&c.DurationSec, &c.EndReason, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call %s: %w", callID, err)
	}
	return &c, nil
}

// RecentCalls returns the most recent calls, newest first.
func (j *Journal) RecentCalls(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, j.db.rebind(
		`SELECT id, call_id, caller_number, called_number, trunk_name, room_name,
		 status, start_time, answer_time, end_time, duration_sec, end_reason, created_at
		 FROM calls ORDER BY start_time DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(&c.ID, &c.CallID, &c.CallerNumber, &c.CalledNumber, &c.TrunkName,
			&c.RoomName, &c.Status, &c.StartTime, &c.AnswerTime, &c.EndTime,
			&c.DurationSec, &c.EndReason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// Cleanup deletes calls older than retentionDays (cascading to their
// conversations and messages) and system events older than the same
// horizon. Returns the number of calls deleted.
func (j *Journal) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	horizon := time.Now().UTC().AddDate(0, 0, -retentionDays)

	res, err := j.db.ExecContext(ctx, j.db.rebind(
		"DELETE FROM calls WHERE created_at < ?"), horizon)
	if err != nil {
		return 0, fmt.Errorf("deleting expired calls: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := j.db.ExecContext(ctx, j.db.rebind(
		"DELETE FROM system_events WHERE created_at < ?"), horizon); err != nil {
		return deleted, fmt.Errorf("deleting expired system events: %w", err)
	}

	j.logger.Info("journal cleanup finished",
		"retention_days", retentionDays,
		"calls_deleted", deleted,
	)
	return deleted, nil
}
