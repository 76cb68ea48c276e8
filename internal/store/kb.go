package store

import (
	"database/sql"
	"fmt"
)

// KB wraps the bash knowledge base: commands, base_commands, command_ai,
// command_search, enrich_queue.
type KB struct {
	conn *sql.DB
}

// OpenKB opens the knowledge base and ensures its schema.
func OpenKB(path string) (*KB, error) {
	conn, err := open(path)
	if err != nil {
		return nil, err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			full_cmd TEXT NOT NULL UNIQUE,
			base_cmd TEXT NOT NULL,
			first_seen TEXT DEFAULT (datetime('now')),
			last_seen  TEXT DEFAULT (datetime('now')),
			seen_count INTEGER DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_base_cmd ON commands(base_cmd)`,

		`CREATE TABLE IF NOT EXISTS command_ai (
			cmd_id INTEGER PRIMARY KEY,
			status TEXT DEFAULT 'pending',
			model TEXT,
			prompt_version TEXT,
			result_json TEXT,
			summary TEXT,
			search_query TEXT,
			known INTEGER DEFAULT 0,
			updated_at TEXT DEFAULT (datetime('now')),
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_ai_status ON command_ai(status, updated_at)`,

		`CREATE TABLE IF NOT EXISTS base_commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			base_cmd TEXT NOT NULL UNIQUE,
			first_seen TEXT DEFAULT (datetime('now')),
			last_seen  TEXT DEFAULT (datetime('now')),
			seen_count INTEGER DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS command_search (
			cmd_id INTEGER PRIMARY KEY,
			status TEXT DEFAULT 'pending',
			last_at TEXT,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_search_status ON command_search(status, last_at)`,

		`CREATE TABLE IF NOT EXISTS enrich_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			ref TEXT NOT NULL,
			status TEXT DEFAULT 'pending',
			priority INTEGER DEFAULT 100,
			attempts INTEGER DEFAULT 0,
			last_error TEXT,
			created_at TEXT DEFAULT (datetime('now')),
			updated_at TEXT DEFAULT (datetime('now')),
			UNIQUE(kind, ref)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status_priority ON enrich_queue(status, priority, created_at)`,
	}
	if err := execAll(conn, stmts); err != nil {
		conn.Close()
		return nil, err
	}

	return &KB{conn: conn}, nil
}

// Close closes the database connection.
func (kb *KB) Close() error {
	return kb.conn.Close()
}

// Conn returns the underlying sql.DB for direct queries.
func (kb *KB) Conn() *sql.DB {
	return kb.conn
}

// UpsertCommand inserts a command or, on repeat, bumps last_seen and the
// counter. A pending command_ai row and the base_commands aggregate are
// ensured alongside. Returns the command id.
func (kb *KB) UpsertCommand(fullCmd, baseCmd string) (int64, error) {
	now := Now()
	_, err := kb.conn.Exec(
		`INSERT INTO commands(full_cmd, base_cmd, first_seen, last_seen, seen_count)
		 VALUES(?,?,?,?,1)
		 ON CONFLICT(full_cmd) DO UPDATE SET
		   last_seen=excluded.last_seen,
		   seen_count=commands.seen_count+1`,
		fullCmd, baseCmd, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert command: %w", err)
	}

	var cmdID int64
	if err := kb.conn.QueryRow(`SELECT id FROM commands WHERE full_cmd=? LIMIT 1`, fullCmd).Scan(&cmdID); err != nil {
		return 0, fmt.Errorf("lookup command id: %w", err)
	}

	if _, err := kb.conn.Exec(
		`INSERT OR IGNORE INTO command_ai(cmd_id, status, updated_at) VALUES(?, 'pending', datetime('now'))`,
		cmdID,
	); err != nil {
		return 0, fmt.Errorf("ensure command_ai row: %w", err)
	}

	if _, err := kb.conn.Exec(
		`INSERT INTO base_commands(base_cmd, first_seen, last_seen, seen_count)
		 VALUES(?,?,?,1)
		 ON CONFLICT(base_cmd) DO UPDATE SET
		   last_seen=excluded.last_seen,
		   seen_count=base_commands.seen_count+1`,
		baseCmd, now, now,
	); err != nil {
		return 0, fmt.Errorf("upsert base command: %w", err)
	}

	return cmdID, nil
}

// QueueEnrich inserts a pending enrich_queue item if absent. Reports
// whether a row was actually created.
func (kb *KB) QueueEnrich(kind, ref string, priority int) (bool, error) {
	res, err := kb.conn.Exec(
		`INSERT INTO enrich_queue(kind, ref, status, priority, attempts, created_at, updated_at)
		 VALUES(?,?, 'pending', ?, 0, datetime('now'), datetime('now'))
		 ON CONFLICT(kind, ref) DO NOTHING`,
		kind, ref, priority,
	)
	if err != nil {
		return false, fmt.Errorf("queue enrich: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- command_ai (classify stage) ---

// AICandidate is a command awaiting classification.
type AICandidate struct {
	CmdID   int64
	FullCmd string
	BaseCmd string
}

// FetchPendingAI backfills missing command_ai rows, then returns pending
// and errored candidates, oldest first.
func (kb *KB) FetchPendingAI(limit int) ([]AICandidate, error) {
	if _, err := kb.conn.Exec(
		`INSERT OR IGNORE INTO command_ai(cmd_id, status, updated_at)
		 SELECT id, 'pending', datetime('now') FROM commands`,
	); err != nil {
		return nil, fmt.Errorf("backfill command_ai: %w", err)
	}

	rows, err := kb.conn.Query(
		`SELECT c.id, c.full_cmd, c.base_cmd
		 FROM commands c
		 JOIN command_ai a ON a.cmd_id = c.id
		 WHERE a.status IN ('pending','error')
		 ORDER BY a.updated_at ASC, c.id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	var out []AICandidate
	for rows.Next() {
		var c AICandidate
		if err := rows.Scan(&c.CmdID, &c.FullCmd, &c.BaseCmd); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkAIWorking transitions a row to working and clears its error.
func (kb *KB) MarkAIWorking(cmdID int64) error {
	_, err := kb.conn.Exec(
		`UPDATE command_ai SET status='working', updated_at=?, last_error=NULL WHERE cmd_id=?`,
		Now(), cmdID,
	)
	return err
}

// AIResult is the validated classification written on success.
type AIResult struct {
	Model         string
	PromptVersion string
	ResultJSON    string
	Summary       string
	SearchQuery   *string
	Known         bool
}

// MarkAIDone writes the classification result and transitions to done.
func (kb *KB) MarkAIDone(cmdID int64, r AIResult) error {
	known := 0
	if r.Known {
		known = 1
	}
	var query any
	if r.SearchQuery != nil {
		query = *r.SearchQuery
	}
	_, err := kb.conn.Exec(
		`UPDATE command_ai
		 SET status='done', model=?, prompt_version=?, result_json=?,
		     summary=?, search_query=?, known=?, updated_at=?, last_error=NULL
		 WHERE cmd_id=?`,
		r.Model, r.PromptVersion, r.ResultJSON, r.Summary, query, known, Now(), cmdID,
	)
	return err
}

// MarkAIError records a per-row classification failure.
func (kb *KB) MarkAIError(cmdID int64, errText string) error {
	_, err := kb.conn.Exec(
		`UPDATE command_ai SET status='error', updated_at=?, last_error=? WHERE cmd_id=?`,
		Now(), truncate(errText, 500), cmdID,
	)
	return err
}

// AIStatus returns a command_ai row's (status, known, search_query).
func (kb *KB) AIStatus(cmdID int64) (status string, known bool, searchQuery sql.NullString, err error) {
	var knownInt int
	err = kb.conn.QueryRow(
		`SELECT status, known, search_query FROM command_ai WHERE cmd_id=?`, cmdID,
	).Scan(&status, &knownInt, &searchQuery)
	known = knownInt == 1
	return
}

// --- command_search (queue-search stage) ---

// SeedSearchRows enrolls every classified, known command with a search
// query into command_search as pending.
func (kb *KB) SeedSearchRows() error {
	_, err := kb.conn.Exec(
		`INSERT OR IGNORE INTO command_search(cmd_id, status, last_at)
		 SELECT a.cmd_id, 'pending', NULL
		 FROM command_ai a
		 WHERE a.status='done' AND a.known=1 AND a.search_query IS NOT NULL`,
	)
	if err != nil {
		return fmt.Errorf("seed command_search: %w", err)
	}
	return nil
}

// SeedCount counts the commands currently eligible for search enrollment.
func (kb *KB) SeedCount() (int, error) {
	var n int
	err := kb.conn.QueryRow(
		`SELECT COUNT(1) FROM command_ai WHERE status='done' AND known=1 AND search_query IS NOT NULL`,
	).Scan(&n)
	return n, err
}

// SearchCandidate is an enrolled command awaiting a search dispatch.
type SearchCandidate struct {
	CmdID       int64
	BaseCmd     string
	FullCmd     string
	SearchQuery string
}

// FetchPendingSearch returns pending and errored search rows, never-tried
// rows first, then oldest attempts.
func (kb *KB) FetchPendingSearch(limit int) ([]SearchCandidate, error) {
	rows, err := kb.conn.Query(
		`SELECT c.id, c.base_cmd, c.full_cmd, a.search_query
		 FROM command_search s
		 JOIN commands c ON c.id = s.cmd_id
		 JOIN command_ai a ON a.cmd_id = c.id
		 WHERE s.status IN ('pending','error')
		   AND a.status='done'
		   AND a.known=1
		   AND a.search_query IS NOT NULL
		 ORDER BY COALESCE(s.last_at,'') ASC, c.id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch pending search: %w", err)
	}
	defer rows.Close()

	var out []SearchCandidate
	for rows.Next() {
		var c SearchCandidate
		if err := rows.Scan(&c.CmdID, &c.BaseCmd, &c.FullCmd, &c.SearchQuery); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkSearch updates a command_search row's status and error.
func (kb *KB) MarkSearch(cmdID int64, status, lastError string) error {
	var errVal any
	if lastError != "" {
		errVal = truncate(lastError, 500)
	}
	_, err := kb.conn.Exec(
		`UPDATE command_search SET status=?, last_at=?, last_error=? WHERE cmd_id=?`,
		status, Now(), errVal, cmdID,
	)
	return err
}

// SearchStatus returns a command_search row's (status, last_error).
func (kb *KB) SearchStatus(cmdID int64) (string, sql.NullString, error) {
	var status string
	var lastErr sql.NullString
	err := kb.conn.QueryRow(
		`SELECT status, last_error FROM command_search WHERE cmd_id=?`, cmdID,
	).Scan(&status, &lastErr)
	return status, lastErr, err
}
