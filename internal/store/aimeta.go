package store

import (
	"database/sql"
	"fmt"
)

// AIMeta wraps the note metadata database. Rows are keyed by
// (note_id, source_hash) so an edited note gets fresh metadata while an
// unchanged one is skipped without an LLM call.
type AIMeta struct {
	conn *sql.DB
}

// OpenAIMeta opens the metadata database and ensures its schema.
func OpenAIMeta(path string) (*AIMeta, error) {
	conn, err := open(path)
	if err != nil {
		return nil, err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ai_note_meta (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			note_id INTEGER NOT NULL,
			parent_id INTEGER DEFAULT 0,
			notes_type TEXT,
			topic TEXT,
			source_hash TEXT NOT NULL,
			model_name TEXT NOT NULL,
			meta_json TEXT NOT NULL,
			summary TEXT,
			tags_csv TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(note_id, source_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_note_id ON ai_note_meta(note_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_topic ON ai_note_meta(topic)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_notes_type ON ai_note_meta(notes_type)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_updated ON ai_note_meta(updated_at)`,
	}
	if err := execAll(conn, stmts); err != nil {
		conn.Close()
		return nil, err
	}

	return &AIMeta{conn: conn}, nil
}

// Close closes the database connection.
func (m *AIMeta) Close() error {
	return m.conn.Close()
}

// Conn returns the underlying sql.DB for direct queries.
func (m *AIMeta) Conn() *sql.DB {
	return m.conn
}

// AlreadyDone reports whether metadata exists for this exact note state.
func (m *AIMeta) AlreadyDone(noteID int64, sourceHash string) (bool, error) {
	var one int
	err := m.conn.QueryRow(
		`SELECT 1 FROM ai_note_meta WHERE note_id=? AND source_hash=? LIMIT 1`,
		noteID, sourceHash,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LastProcessedNoteID returns the highest note id with metadata (0 when
// none). The metadata stage backtracks from here to catch recent edits.
func (m *AIMeta) LastProcessedNoteID() (int64, error) {
	var id int64
	if err := m.conn.QueryRow(`SELECT COALESCE(MAX(note_id), 0) FROM ai_note_meta`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertMeta writes metadata for (note_id, source_hash), replacing any
// previous row for the same key.
func (m *AIMeta) UpsertMeta(n Note, sourceHash, modelName, metaJSON, summary, tagsCSV string) error {
	_, err := m.conn.Exec(
		`INSERT INTO ai_note_meta
		   (note_id, parent_id, notes_type, topic, source_hash, model_name, meta_json, summary, tags_csv, created_at, updated_at)
		 VALUES
		   (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(note_id, source_hash) DO UPDATE SET
		   parent_id=excluded.parent_id,
		   notes_type=excluded.notes_type,
		   topic=excluded.topic,
		   model_name=excluded.model_name,
		   meta_json=excluded.meta_json,
		   summary=excluded.summary,
		   tags_csv=excluded.tags_csv,
		   updated_at=CURRENT_TIMESTAMP`,
		n.ID, n.ParentID, n.NotesType, n.Topic, sourceHash, modelName, metaJSON, summary, tagsCSV,
	)
	if err != nil {
		return fmt.Errorf("upsert note meta: %w", err)
	}
	return nil
}

// MetaCount returns the number of metadata rows for a note.
func (m *AIMeta) MetaCount(noteID int64) (int, error) {
	var n int
	err := m.conn.QueryRow(`SELECT COUNT(1) FROM ai_note_meta WHERE note_id=?`, noteID).Scan(&n)
	return n, err
}
