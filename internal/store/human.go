package store

import (
	"database/sql"
	"fmt"
)

// Human wraps the human notes database: notes, history_state, job_runs.
// The app_settings table in the same file belongs to the notes UI; the
// pipeline only reads it (see the config package).
type Human struct {
	conn *sql.DB
}

// OpenHuman opens the human notes database and ensures the tables the
// pipeline writes to.
func OpenHuman(path string) (*Human, error) {
	conn, err := open(path)
	if err != nil {
		return nil, err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			notes_type TEXT NOT NULL,
			topic TEXT,
			node TEXT,
			path TEXT,
			version TEXT,
			ts TEXT,
			note TEXT NOT NULL,
			parent_id INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_parent ON notes(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_search ON notes(note)`,

		`CREATE TABLE IF NOT EXISTS history_state (
			host TEXT NOT NULL,
			path TEXT NOT NULL,
			inode TEXT,
			last_line INTEGER DEFAULT 0,
			updated_at TEXT,
			PRIMARY KEY (host, path)
		)`,

		`CREATE TABLE IF NOT EXISTS job_runs (
			job TEXT PRIMARY KEY,
			last_start TEXT,
			last_ok TEXT,
			last_status TEXT,
			last_message TEXT,
			last_duration_ms INTEGER
		)`,
	}
	if err := execAll(conn, stmts); err != nil {
		conn.Close()
		return nil, err
	}

	// Older deployments predate the extended note shape.
	for _, col := range []string{"node", "path", "version", "ts"} {
		if err := ensureColumn(conn, "notes", col, "TEXT"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ensure notes.%s: %w", col, err)
		}
	}

	return &Human{conn: conn}, nil
}

// Close closes the database connection.
func (h *Human) Close() error {
	return h.conn.Close()
}

// Conn returns the underlying sql.DB for direct queries.
func (h *Human) Conn() *sql.DB {
	return h.conn
}

// --- history_state (ingest watermark) ---

// LoadHistoryState returns the stored (inode, last_line) watermark for a
// host/path pair, or ("", 0) when none exists.
func (h *Human) LoadHistoryState(host, path string) (string, int, error) {
	var inode string
	var lastLine int
	err := h.conn.QueryRow(
		`SELECT COALESCE(inode,''), COALESCE(last_line,0) FROM history_state WHERE host=? AND path=? LIMIT 1`,
		host, path,
	).Scan(&inode, &lastLine)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("load history state: %w", err)
	}
	return inode, lastLine, nil
}

// SaveHistoryState upserts the watermark in a single statement.
func (h *Human) SaveHistoryState(host, path, inode string, lastLine int) error {
	_, err := h.conn.Exec(
		`INSERT INTO history_state(host, path, inode, last_line, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(host, path) DO UPDATE SET
		   inode=excluded.inode,
		   last_line=excluded.last_line,
		   updated_at=excluded.updated_at`,
		host, path, inode, lastLine, Now(),
	)
	if err != nil {
		return fmt.Errorf("save history state: %w", err)
	}
	return nil
}

// --- job_runs (heartbeat) ---

// JobStart records a running heartbeat for a job name, clearing the
// previous duration.
func (h *Human) JobStart(job, message string) error {
	_, err := h.conn.Exec(
		`INSERT INTO job_runs(job, last_start, last_status, last_message, last_duration_ms)
		 VALUES(?, ?, 'running', ?, NULL)
		 ON CONFLICT(job) DO UPDATE SET
		   last_start=excluded.last_start,
		   last_status='running',
		   last_message=excluded.last_message,
		   last_duration_ms=NULL`,
		job, Now(), truncate(message, 900),
	)
	return err
}

// JobFinish records the terminal heartbeat. last_ok is only advanced on
// success; the message is capped at 900 chars for the jobs view.
func (h *Human) JobFinish(job string, ok bool, durationMs int64, message string) error {
	msg := truncate(message, 900)
	if ok {
		_, err := h.conn.Exec(
			`INSERT INTO job_runs(job, last_ok, last_status, last_message, last_duration_ms)
			 VALUES(?, ?, 'ok', ?, ?)
			 ON CONFLICT(job) DO UPDATE SET
			   last_ok=excluded.last_ok,
			   last_status='ok',
			   last_message=excluded.last_message,
			   last_duration_ms=excluded.last_duration_ms`,
			job, Now(), msg, durationMs,
		)
		return err
	}
	_, err := h.conn.Exec(
		`INSERT INTO job_runs(job, last_status, last_message, last_duration_ms)
		 VALUES(?, 'error', ?, ?)
		 ON CONFLICT(job) DO UPDATE SET
		   last_status='error',
		   last_message=excluded.last_message,
		   last_duration_ms=excluded.last_duration_ms`,
		job, msg, durationMs,
	)
	return err
}

// JobRun is one row of the jobs view.
type JobRun struct {
	Job            string
	LastStart      string
	LastOK         string
	LastStatus     string
	LastMessage    string
	LastDurationMs sql.NullInt64
}

// ListJobRuns returns all heartbeat rows, most recently started first.
func (h *Human) ListJobRuns() ([]JobRun, error) {
	rows, err := h.conn.Query(
		`SELECT job, COALESCE(last_start,''), COALESCE(last_ok,''),
		        COALESCE(last_status,''), COALESCE(last_message,''), last_duration_ms
		 FROM job_runs ORDER BY last_start DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		var r JobRun
		if err := rows.Scan(&r.Job, &r.LastStart, &r.LastOK, &r.LastStatus, &r.LastMessage, &r.LastDurationMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- notes ---

// Note is a row of the notes table as the metadata stage sees it.
type Note struct {
	ID        int64
	ParentID  int64
	NotesType string
	Topic     string
	Note      string
	CreatedAt string
	UpdatedAt string
}

// InsertNote creates a root-level note and returns its id.
func (h *Human) InsertNote(notesType, topic, note string) (int64, error) {
	res, err := h.conn.Exec(
		`INSERT INTO notes (notes_type, topic, note, parent_id) VALUES (?, ?, ?, 0)`,
		notesType, topic, note,
	)
	if err != nil {
		return 0, fmt.Errorf("insert note: %w", err)
	}
	return res.LastInsertId()
}

// InsertChildNote creates a note threaded under a parent.
func (h *Human) InsertChildNote(parentID int64, notesType, topic, node, ts, note string) (int64, error) {
	res, err := h.conn.Exec(
		`INSERT INTO notes (notes_type, topic, node, ts, note, parent_id) VALUES (?, ?, ?, ?, ?, ?)`,
		notesType, topic, node, ts, note, parentID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert child note: %w", err)
	}
	return res.LastInsertId()
}

// FindNoteByTypeTopicTS locates a note by its identifying fields; used to
// find the daily parent for threaded history snapshots. Returns 0 when
// absent.
func (h *Human) FindNoteByTypeTopicTS(notesType, topic, node, ts string) (int64, error) {
	var id int64
	err := h.conn.QueryRow(
		`SELECT id FROM notes
		 WHERE notes_type=? AND topic=? AND COALESCE(node,'')=? AND COALESCE(ts,'')=? AND parent_id=0
		 ORDER BY id DESC LIMIT 1`,
		notesType, topic, node, ts,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// HasNoteContaining reports whether any note body contains the marker.
func (h *Human) HasNoteContaining(marker string) (bool, error) {
	var one int
	err := h.conn.QueryRow(`SELECT 1 FROM notes WHERE note LIKE ? LIMIT 1`, "%"+marker+"%").Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MaxNoteID returns the highest note id (0 when empty).
func (h *Human) MaxNoteID() (int64, error) {
	var id int64
	if err := h.conn.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM notes`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// LoadNotes fetches up to limit notes with id > sinceID. Rows are fetched
// newest-first so a small limit still reaches recent notes, then reversed
// so callers process oldest to newest.
func (h *Human) LoadNotes(limit int, sinceID int64) ([]Note, error) {
	rows, err := h.conn.Query(
		`SELECT id, COALESCE(parent_id,0), notes_type, COALESCE(topic,''), note,
		        COALESCE(created_at,''), COALESCE(updated_at,'')
		 FROM notes
		 WHERE id > ?
		 ORDER BY id DESC
		 LIMIT ?`,
		sinceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.ParentID, &n.NotesType, &n.Topic, &n.Note, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CleanupLogs deletes notes_type='logs' rows whose day is older than the
// cutoff. Rows with a ts day use it; otherwise the created_at day decides.
func (h *Human) CleanupLogs(cutoffDay string) (int64, error) {
	res, err := h.conn.Exec(
		`DELETE FROM notes
		 WHERE notes_type='logs'
		   AND (
		         (COALESCE(ts,'') != '' AND ts < ?)
		      OR (COALESCE(ts,'') = '' AND COALESCE(created_at,'') != '' AND substr(created_at,1,10) < ?)
		   )`,
		cutoffDay, cutoffDay,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup logs: %w", err)
	}
	return res.RowsAffected()
}
