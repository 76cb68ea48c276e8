package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// SearchCache wraps the cached search snapshot database. The search
// service writes the rows; the pipeline only reads them and fills
// ai_notes after summarizing.
type SearchCache struct {
	conn *sql.DB
}

// OpenSearchCache opens the search cache and ensures its schema, adding
// the ai_notes and top_urls columns to databases that predate them.
func OpenSearchCache(path string) (*SearchCache, error) {
	conn, err := open(path)
	if err != nil {
		return nil, err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS search_cache_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key_hash CHAR(64) NOT NULL,
			q TEXT,
			body MEDIUMTEXT NOT NULL,
			top_urls TEXT,
			ai_notes TEXT,
			cached_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_search_cache_history_key_time
		   ON search_cache_history(key_hash, cached_at)`,
	}
	if err := execAll(conn, stmts); err != nil {
		conn.Close()
		return nil, err
	}

	for _, col := range []string{"ai_notes", "top_urls"} {
		if err := ensureColumn(conn, "search_cache_history", col, "TEXT"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ensure search_cache_history.%s: %w", col, err)
		}
	}

	return &SearchCache{conn: conn}, nil
}

// Close closes the database connection.
func (sc *SearchCache) Close() error {
	return sc.conn.Close()
}

// Conn returns the underlying sql.DB for direct queries.
func (sc *SearchCache) Conn() *sql.DB {
	return sc.conn
}

// CachedSearch is one captured search result awaiting summarization.
type CachedSearch struct {
	ID       int64
	Q        string
	Body     string
	TopURLs  []string
	CachedAt string
	AINotes  string
}

// LoadPending returns rows without ai_notes, id ascending. Malformed
// top_urls JSON degrades to an empty list rather than failing the row.
func (sc *SearchCache) LoadPending(limit int, sinceID int64) ([]CachedSearch, error) {
	rows, err := sc.conn.Query(
		`SELECT id,
		        COALESCE(q,''),
		        COALESCE(body,''),
		        COALESCE(top_urls,'[]'),
		        COALESCE(ai_notes,''),
		        COALESCE(cached_at,'')
		 FROM search_cache_history
		 WHERE id > ?
		   AND (ai_notes IS NULL OR TRIM(ai_notes) = '')
		 ORDER BY id ASC
		 LIMIT ?`,
		sinceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load pending searches: %w", err)
	}
	defer rows.Close()

	var out []CachedSearch
	for rows.Next() {
		var r CachedSearch
		var rawURLs string
		if err := rows.Scan(&r.ID, &r.Q, &r.Body, &rawURLs, &r.AINotes, &r.CachedAt); err != nil {
			return nil, err
		}
		r.TopURLs = decodeURLList(rawURLs)
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeURLList(raw string) []string {
	var parsed []any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	var urls []string
	for _, u := range parsed {
		if s, ok := u.(string); ok && strings.TrimSpace(s) != "" {
			urls = append(urls, s)
		}
	}
	return urls
}

// SetAINotes stores the summary (or skip marker) for a cached search.
func (sc *SearchCache) SetAINotes(id int64, notes string) error {
	_, err := sc.conn.Exec(`UPDATE search_cache_history SET ai_notes=? WHERE id=?`, notes, id)
	if err != nil {
		return fmt.Errorf("set ai_notes: %w", err)
	}
	return nil
}

// InsertRow adds a cached search row; the search service owns this in
// production, tests and backfills use it here.
func (sc *SearchCache) InsertRow(keyHash, q, body string, topURLs []string) (int64, error) {
	raw, err := json.Marshal(topURLs)
	if err != nil {
		return 0, err
	}
	res, err := sc.conn.Exec(
		`INSERT INTO search_cache_history(key_hash, q, body, top_urls) VALUES(?,?,?,?)`,
		keyHash, q, body, string(raw),
	)
	if err != nil {
		return 0, fmt.Errorf("insert search row: %w", err)
	}
	return res.LastInsertId()
}
