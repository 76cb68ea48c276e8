// Package mq is a durable single-host job queue on SQLite: enqueue,
// lease-one, ack, fail-with-retry. Delivery is at-least-once; a lease is a
// time-bounded claim released by ack or fail. An expired lease stays
// running until ReclaimExpired requeues it.
package mq

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"
)

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusDead    = "dead"
)

// Defaults for enqueue and fail.
const (
	DefaultPriority    = 100
	DefaultMaxAttempts = 5
	maxErrorLen        = 4000
)

// timeFormat is RFC3339 with milliseconds in UTC; lexical order matches
// chronological order, which the run_after comparisons rely on.
const timeFormat = "2006-01-02T15:04:05.000Z"

func nowISO() string {
	return time.Now().UTC().Format(timeFormat)
}

func isoAfter(d time.Duration) string {
	return time.Now().UTC().Add(d).Format(timeFormat)
}

// Job is one row of the jobs table.
type Job struct {
	ID          string
	Queue       string
	Name        string
	PayloadJSON string
	Status      string
	Priority    int
	RunAfter    string
	Attempts    int
	MaxAttempts int
	LockedBy    sql.NullString
	LockedUntil sql.NullString
	CreatedAt   string
	UpdatedAt   string
	LastError   sql.NullString
}

// Queue is a handle on the jobs database.
type Queue struct {
	conn *sql.DB
}

// Open opens or creates the queue database.
func Open(path string) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	// _txlock=immediate makes every transaction BEGIN IMMEDIATE, so the
	// lease's select-then-update cannot race another worker's.
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			queue        TEXT NOT NULL,
			name         TEXT NOT NULL,
			payload_json TEXT NOT NULL,

			status       TEXT NOT NULL DEFAULT 'queued',
			priority     INTEGER NOT NULL DEFAULT 100,
			run_after    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),

			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,

			locked_by    TEXT,
			locked_until TEXT,

			created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),

			last_error   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_pick ON jobs(queue, status, run_after, priority)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_locked ON jobs(status, locked_until)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at)`,
	}
	for _, s := range stmts {
		if _, err := conn.Exec(s); err != nil {
			conn.Close()
			return nil, fmt.Errorf("queue schema: %w", err)
		}
	}

	return &Queue{conn: conn}, nil
}

// Close closes the database connection.
func (q *Queue) Close() error {
	return q.conn.Close()
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	// Priority orders jobs, lower first. Nil means DefaultPriority; 0 is
	// a legitimate highest-priority value, hence the pointer.
	Priority    *int
	RunAfter    string // earliest run time; empty means now
	MaxAttempts int    // 0 means DefaultMaxAttempts
	ID          string // empty means a fresh UUID
}

// Priority boxes an explicit priority value for EnqueueOptions.
func Priority(p int) *int {
	return &p
}

// Enqueue inserts a queued job and returns its id.
func (q *Queue) Enqueue(queue, name string, payload map[string]any, opts EnqueueOptions) (string, error) {
	id := opts.ID
	if id == "" {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	priority := DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	runAfter := opts.RunAfter
	if runAfter == "" {
		runAfter = nowISO()
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	ts := nowISO()
	_, err = q.conn.Exec(
		`INSERT INTO jobs
		   (id, queue, name, payload_json, status, priority, run_after, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', ?, ?, ?, ?, ?)`,
		id, queue, name, string(payloadJSON), priority, runAfter, maxAttempts, ts, ts,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// LeaseOne claims the next runnable job on a queue: earliest priority,
// then earliest created. Returns (nil, nil, nil) when nothing is ready.
// The claim lasts leaseSeconds; attempts is counted at lease time so a
// crash mid-job still consumes an attempt.
func (q *Queue) LeaseOne(queue string, leaseSeconds int) (*Job, map[string]any, error) {
	worker := fmt.Sprintf("%s:%d", hostname(), os.Getpid())
	lockUntil := isoAfter(time.Duration(leaseSeconds) * time.Second)
	ts := nowISO()

	tx, err := q.conn.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback()

	var j Job
	err = tx.QueryRow(
		`SELECT id, queue, name, payload_json, status, priority, run_after,
		        attempts, max_attempts, locked_by, locked_until, created_at, updated_at, last_error
		 FROM jobs
		 WHERE queue = ?
		   AND status = 'queued'
		   AND run_after <= ?
		 ORDER BY priority ASC, created_at ASC
		 LIMIT 1`,
		queue, ts,
	).Scan(&j.ID, &j.Queue, &j.Name, &j.PayloadJSON, &j.Status, &j.Priority, &j.RunAfter,
		&j.Attempts, &j.MaxAttempts, &j.LockedBy, &j.LockedUntil, &j.CreatedAt, &j.UpdatedAt, &j.LastError)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("pick job: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE jobs
		 SET status='running', locked_by=?, locked_until=?, attempts=attempts+1, updated_at=?
		 WHERE id=?`,
		worker, lockUntil, ts, j.ID,
	); err != nil {
		return nil, nil, fmt.Errorf("lease job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit lease: %w", err)
	}

	j.Status = StatusRunning
	j.LockedBy = sql.NullString{String: worker, Valid: true}
	j.LockedUntil = sql.NullString{String: lockUntil, Valid: true}
	j.Attempts++

	var payload map[string]any
	if err := json.Unmarshal([]byte(j.PayloadJSON), &payload); err != nil || payload == nil {
		// The payload is opaque JSON; a non-object payload still leases,
		// the handler decides what to do with it.
		payload = map[string]any{}
	}
	return &j, payload, nil
}

// Ack marks a job done and clears its lock and error.
func (q *Queue) Ack(id string) error {
	_, err := q.conn.Exec(
		`UPDATE jobs
		 SET status='done', locked_by=NULL, locked_until=NULL, last_error=NULL, updated_at=?
		 WHERE id=?`,
		nowISO(), id,
	)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Fail records a job failure. Once attempts have reached max_attempts the
// job is dead; otherwise it requeues with run_after pushed out by
// retryDelay. Lock fields always clear.
func (q *Queue) Fail(id, errText string, retryDelay time.Duration) error {
	ts := nowISO()

	var attempts, maxAttempts int
	err := q.conn.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id=?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail lookup: %w", err)
	}

	msg := errText
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}

	if attempts >= maxAttempts {
		_, err = q.conn.Exec(
			`UPDATE jobs
			 SET status='dead', locked_by=NULL, locked_until=NULL, last_error=?, updated_at=?
			 WHERE id=?`,
			msg, ts, id,
		)
	} else {
		_, err = q.conn.Exec(
			`UPDATE jobs
			 SET status='queued', locked_by=NULL, locked_until=NULL, last_error=?, run_after=?, updated_at=?
			 WHERE id=?`,
			msg, isoAfter(retryDelay), ts, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	return nil
}

// ReclaimExpired requeues running jobs whose lease has lapsed. Off by
// default — reclaiming risks double-running non-idempotent handlers — and
// only invoked when the worker is started with --reclaim.
func (q *Queue) ReclaimExpired(queue string) (int64, error) {
	res, err := q.conn.Exec(
		`UPDATE jobs
		 SET status='queued', locked_by=NULL, locked_until=NULL, updated_at=?
		 WHERE queue=? AND status='running' AND locked_until IS NOT NULL AND locked_until < ?`,
		nowISO(), queue, nowISO(),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim: %w", err)
	}
	return res.RowsAffected()
}

// Get returns a job by id.
func (q *Queue) Get(id string) (*Job, error) {
	var j Job
	err := q.conn.QueryRow(
		`SELECT id, queue, name, payload_json, status, priority, run_after,
		        attempts, max_attempts, locked_by, locked_until, created_at, updated_at, last_error
		 FROM jobs WHERE id=?`,
		id,
	).Scan(&j.ID, &j.Queue, &j.Name, &j.PayloadJSON, &j.Status, &j.Priority, &j.RunAfter,
		&j.Attempts, &j.MaxAttempts, &j.LockedBy, &j.LockedUntil, &j.CreatedAt, &j.UpdatedAt, &j.LastError)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// CountByStatus returns per-status job counts for a queue; an empty queue
// name counts all queues.
func (q *Queue) CountByStatus(queue string) (map[string]int, error) {
	var rows *sql.Rows
	var err error
	if queue == "" {
		rows, err = q.conn.Query(`SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	} else {
		rows, err = q.conn.Query(`SELECT status, COUNT(1) FROM jobs WHERE queue=? GROUP BY status`, queue)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}
