// Package store provides the SQLite storage layer for the pipeline's
// databases: human notes, the bash knowledge base, cached searches, note
// metadata. Each database is an independent file so producers and
// consumers can be locked separately; every wrapper ensures the schema
// subset it needs on open and never assumes a pristine database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TimeFormat is the timestamp layout used in the stage tables. The MQ
// uses RFC3339 UTC instead; see the mq package.
const TimeFormat = "2006-01-02 15:04:05"

// Now returns the current local time in TimeFormat.
func Now() string {
	return time.Now().Format(TimeFormat)
}

// open opens or creates a database file with WAL journaling, NORMAL sync
// and a 5s busy timeout.
func open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return conn, nil
}

// execAll runs a list of DDL statements, failing on the first error.
func execAll(conn *sql.DB, stmts []string) error {
	for _, s := range stmts {
		if _, err := conn.Exec(s); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, s)
		}
	}
	return nil
}

// hasColumn reports whether a table currently has a column.
func hasColumn(conn *sql.DB, table, column string) bool {
	rows, err := conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			defaultV sql.NullString
			primaryK int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultV, &primaryK); err != nil {
			continue
		}
		if strings.EqualFold(name, column) {
			return true
		}
	}
	return false
}

// ensureColumn adds a column if missing. Columns are only ever added,
// never dropped or renamed — the schemas are a shared contract with the
// notes UI.
func ensureColumn(conn *sql.DB, table, column, decl string) error {
	if hasColumn(conn, table, column) {
		return nil
	}
	_, err := conn.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// truncate caps a string to n bytes for status columns.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
