package journal

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// migration is one schema version step. Up and Down are SQL scripts; Down
// is stored alongside the applied version so RollbackTo can replay it.
type migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// serialPK is the dialect placeholder for an auto-assigned integer primary
// key, substituted per driver before execution.
const serialPK = "__SERIAL_PK__"

// migrations is the ordered schema history. Append-only; never edit an
// applied entry.
var migrations = []migration{
	{
		Version: 1,
		Name:    "calls",
		Up: `CREATE TABLE calls (
			id ` + serialPK + `,
			call_id TEXT NOT NULL UNIQUE,
			caller_number TEXT NOT NULL DEFAULT '',
			called_number TEXT NOT NULL DEFAULT '',
			trunk_name TEXT NOT NULL DEFAULT '',
			room_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			start_time TIMESTAMP NOT NULL,
			answer_time TIMESTAMP,
			end_time TIMESTAMP,
			duration_sec REAL,
			end_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX idx_calls_status_start ON calls (status, start_time);`,
		Down: `DROP TABLE calls;`,
	},
	{
		Version: 2,
		Name:    "conversations",
		Up: `CREATE TABLE conversations (
			id ` + serialPK + `,
			conversation_id TEXT NOT NULL UNIQUE,
			call_id TEXT NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
			model TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX idx_conversations_call ON conversations (call_id);`,
		Down: `DROP TABLE conversations;`,
	},
	{
		Version: 3,
		Name:    "messages",
		Up: `CREATE TABLE messages (
			id ` + serialPK + `,
			conversation_id TEXT NOT NULL REFERENCES conversations (conversation_id) ON DELETE CASCADE,
			sequence_number INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			processing_ms REAL,
			stt_meta TEXT,
			llm_meta TEXT,
			tts_meta TEXT,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (conversation_id, sequence_number)
		);`,
		Down: `DROP TABLE messages;`,
	},
	{
		Version: 4,
		Name:    "conversation_metrics",
		Up: `CREATE TABLE conversation_metrics (
			conversation_id TEXT PRIMARY KEY REFERENCES conversations (conversation_id) ON DELETE CASCADE,
			total_messages INTEGER NOT NULL DEFAULT 0,
			user_messages INTEGER NOT NULL DEFAULT 0,
			assistant_messages INTEGER NOT NULL DEFAULT 0,
			avg_processing_ms REAL,
			min_processing_ms REAL,
			max_processing_ms REAL,
			sum_processing_ms REAL NOT NULL DEFAULT 0,
			total_tokens_in INTEGER NOT NULL DEFAULT 0,
			total_tokens_out INTEGER NOT NULL DEFAULT 0,
			total_llm_cost REAL NOT NULL DEFAULT 0,
			total_stt_cost REAL NOT NULL DEFAULT 0,
			total_tts_cost REAL NOT NULL DEFAULT 0,
			mean_stt_confidence REAL,
			total_audio_seconds REAL NOT NULL DEFAULT 0,
			sla_violations INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			computed_at TIMESTAMP NOT NULL
		);`,
		Down: `DROP TABLE conversation_metrics;`,
	},
	{
		Version: 5,
		Name:    "system_events",
		Up: `CREATE TABLE system_events (
			id ` + serialPK + `,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL DEFAULT '',
			component TEXT NOT NULL DEFAULT '',
			call_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			stack_trace TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX idx_system_events_created ON system_events (created_at);`,
		Down: `DROP TABLE system_events;`,
	},
}

// dialectSQL substitutes dialect placeholders for the active driver.
func (db *DB) dialectSQL(script string) string {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.driver == "pgx" {
		pk = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(script, serialPK, pk)
}

// MigrateToLatest applies all pending migrations in order, each inside its
// own transaction. Running it twice leaves the schema version unchanged.
func (db *DB) MigrateToLatest() error {
	if _, err := db.Exec(db.dialectSQL(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		down_sql TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`)); err != nil {
		return fmt.Errorf("creating schema_versions table: %w", err)
	}

	applied, err := db.appliedVersions()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", m.Version, err)
		}

		for _, stmt := range splitStatements(db.dialectSQL(m.Up)) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("executing migration %d (%s): %w", m.Version, m.Name, err)
			}
		}

		if _, err := tx.Exec(
			db.rebind("INSERT INTO schema_versions (version, name, down_sql, applied_at) VALUES (?, ?, ?, ?)"),
			m.Version, m.Name, m.Down, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version, "name", m.Name)
	}

	return nil
}

// RollbackTo reverts applied migrations newer than target, newest first,
// using the down SQL recorded at apply time.
func (db *DB) RollbackTo(target int) error {
	rows, err := db.Query(db.rebind(
		"SELECT version, down_sql FROM schema_versions WHERE version > ? ORDER BY version DESC"), target)
	if err != nil {
		return fmt.Errorf("listing versions to roll back: %w", err)
	}
	type step struct {
		version int
		down    string
	}
	var steps []step
	for rows.Next() {
		var s step
		if err := rows.Scan(&s.version, &s.down); err != nil {
			rows.Close()
			return fmt.Errorf("scanning schema version: %w", err)
		}
		steps = append(steps, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating schema versions: %w", err)
	}

	for _, s := range steps {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning rollback of version %d: %w", s.version, err)
		}
		for _, stmt := range splitStatements(db.dialectSQL(s.down)) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("rolling back version %d: %w", s.version, err)
			}
		}
		if _, err := tx.Exec(db.rebind("DELETE FROM schema_versions WHERE version = ?"), s.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("unrecording version %d: %w", s.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing rollback of version %d: %w", s.version, err)
		}
		slog.Info("rolled back migration", "version", s.version)
	}

	return nil
}

// SchemaVersion returns the highest applied migration version, or 0.
func (db *DB) SchemaVersion() (int, error) {
	var v *int
	if err := db.QueryRow("SELECT MAX(version) FROM schema_versions").Scan(&v); err != nil {
		return 0, fmt.Errorf("querying schema version: %w", err)
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}

// splitStatements breaks a migration script into individual statements.
// Scripts contain no string literals with semicolons, so a plain split is
// sufficient for both backends.
func splitStatements(script string) []string {
	parts := strings.Split(script, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (db *DB) appliedVersions() (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_versions")
	if err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
