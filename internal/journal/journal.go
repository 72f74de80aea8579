package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the journal's backing store. The store is
// selected by URL scheme: "file:" opens sqlite, "postgres://" connects via
// pgx. All queries are written with "?" placeholders and rebound for
// postgres at execution time.
type DB struct {
	*sql.DB
	driver string
}

// Open connects to the journal database and runs pending migrations.
func Open(databaseURL string) (*DB, error) {
	var (
		driver string
		dsn    string
	)
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"):
		driver = "pgx"
		dsn = databaseURL
	case strings.HasPrefix(databaseURL, "file:"):
		driver = "sqlite"
		dsn = databaseURL
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"
		}
	default:
		return nil, fmt.Errorf("unsupported database url %q", databaseURL)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with a single writer connection.
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{DB: sqlDB, driver: driver}

	if err := db.MigrateToLatest(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("journal database opened", "driver", driver)
	return db, nil
}

// rebind converts "?" placeholders to the driver's native form. SQLite
// accepts "?" directly; postgres needs "$1".."$n".
func (db *DB) rebind(query string) string {
	if db.driver != "pgx" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
