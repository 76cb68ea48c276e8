package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/llm"
	"github.com/samekhi/hive/internal/store"
)

type noteMetaEnv struct {
	opts  NoteMetaOptions
	human *store.Human
	meta  *store.AIMeta
	calls *atomic.Int32
}

func newNoteMetaEnv(t *testing.T, reply string) *noteMetaEnv {
	t.Helper()
	dir := t.TempDir()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"content": reply},
		})
	}))
	t.Cleanup(srv.Close)

	human, err := store.OpenHuman(filepath.Join(dir, "human_notes.db"))
	if err != nil {
		t.Fatalf("OpenHuman: %v", err)
	}
	t.Cleanup(func() { human.Close() })

	meta, err := store.OpenAIMeta(filepath.Join(dir, "notes_ai_metadata.db"))
	if err != nil {
		t.Fatalf("OpenAIMeta: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	return &noteMetaEnv{
		opts: NoteMetaOptions{
			HumanDB:    filepath.Join(dir, "human_notes.db"),
			AIMetaDB:   filepath.Join(dir, "notes_ai_metadata.db"),
			TemplateDB: filepath.Join(dir, "ai_header.db"),
			Client:     llm.NewClient(srv.URL, 5*time.Second),
			Model:      "test-model",
			Limit:      500,
			Backtrack:  200,
			LockPath:   filepath.Join(dir, "locks", "ai_notes.lock"),
			Log:        zerolog.Nop(),
		},
		human: human,
		meta:  meta,
		calls: &calls,
	}
}

const goodMetaReply = `{"doc_kind": "general_note", "summary": "about flock", "tags": ["linux", "locks"], "entities": [], "commands": [], "cmd_families": [], "sensitivity": "normal"}`

func TestNoteMetaProcessesAndStores(t *testing.T) {
	e := newNoteMetaEnv(t, goodMetaReply)
	id, err := e.human.InsertNote("general_note", "flock notes", "flock locks files")
	if err != nil {
		t.Fatalf("InsertNote: %v", err)
	}

	if err := RunNoteMeta(e.opts); err != nil {
		t.Fatalf("RunNoteMeta: %v", err)
	}

	n, err := e.meta.MetaCount(id)
	if err != nil {
		t.Fatalf("MetaCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("meta rows = %d, want 1", n)
	}

	var summary, tagsCSV, metaJSON string
	e.meta.Conn().QueryRow(
		`SELECT summary, tags_csv, meta_json FROM ai_note_meta WHERE note_id=?`, id,
	).Scan(&summary, &tagsCSV, &metaJSON)
	if summary != "about flock" {
		t.Errorf("summary = %q", summary)
	}
	if tagsCSV != "linux,locks" {
		t.Errorf("tags_csv = %q", tagsCSV)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &parsed); err != nil {
		t.Fatalf("meta_json invalid: %v", err)
	}
}

func TestNoteMetaSecondRunSkipsUnchanged(t *testing.T) {
	e := newNoteMetaEnv(t, goodMetaReply)
	if _, err := e.human.InsertNote("general_note", "t", "body"); err != nil {
		t.Fatalf("InsertNote: %v", err)
	}

	if err := RunNoteMeta(e.opts); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if e.calls.Load() != 1 {
		t.Fatalf("llm calls = %d, want 1", e.calls.Load())
	}

	// Second run: same (note_id, source_hash) — no LLM call, no new row.
	if err := RunNoteMeta(e.opts); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if e.calls.Load() != 1 {
		t.Errorf("unchanged note hit the llm again")
	}
}

func TestNoteMetaEditTriggersReprocess(t *testing.T) {
	e := newNoteMetaEnv(t, goodMetaReply)
	id, _ := e.human.InsertNote("general_note", "t", "body")

	if err := RunNoteMeta(e.opts); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Edit the note; updated_at changes the source hash.
	if _, err := e.human.Conn().Exec(
		`UPDATE notes SET note='edited body', updated_at='2030-01-01 00:00:00' WHERE id=?`, id,
	); err != nil {
		t.Fatalf("edit note: %v", err)
	}

	if err := RunNoteMeta(e.opts); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if e.calls.Load() != 2 {
		t.Errorf("llm calls = %d, want 2 after edit", e.calls.Load())
	}
	n, _ := e.meta.MetaCount(id)
	if n != 2 {
		t.Errorf("meta rows = %d, want 2 (one per source hash)", n)
	}
}

func TestNoteMetaNormalizesSparseReply(t *testing.T) {
	e := newNoteMetaEnv(t, `{"summary": "minimal", "tags": "not-a-list", "sensitivity": "top-secret"}`)
	id, _ := e.human.InsertNote("general_note", "t", "body")

	if err := RunNoteMeta(e.opts); err != nil {
		t.Fatalf("RunNoteMeta: %v", err)
	}

	var metaJSON string
	e.meta.Conn().QueryRow(`SELECT meta_json FROM ai_note_meta WHERE note_id=?`, id).Scan(&metaJSON)
	var parsed map[string]any
	json.Unmarshal([]byte(metaJSON), &parsed)

	if parsed["doc_kind"] != "other" {
		t.Errorf("doc_kind = %v, want default other", parsed["doc_kind"])
	}
	if parsed["sensitivity"] != "normal" {
		t.Errorf("sensitivity = %v, want coerced normal", parsed["sensitivity"])
	}
	if _, ok := parsed["tags"].([]any); !ok {
		t.Errorf("tags = %v, want coerced list", parsed["tags"])
	}
}

func TestNoteMetaDryRun(t *testing.T) {
	e := newNoteMetaEnv(t, goodMetaReply)
	e.human.InsertNote("general_note", "t", "body")

	opts := e.opts
	opts.DryRun = true
	if err := RunNoteMeta(opts); err != nil {
		t.Fatalf("RunNoteMeta: %v", err)
	}
	if e.calls.Load() != 0 {
		t.Error("dry run called the llm")
	}
	last, _ := e.meta.LastProcessedNoteID()
	if last != 0 {
		t.Error("dry run wrote metadata")
	}
}

func TestNoteMetaBadReplyFailsRow(t *testing.T) {
	e := newNoteMetaEnv(t, "not json at all")
	id, _ := e.human.InsertNote("general_note", "t", "body")

	if err := RunNoteMeta(e.opts); err != nil {
		t.Fatalf("RunNoteMeta: %v", err)
	}

	n, _ := e.meta.MetaCount(id)
	if n != 0 {
		t.Errorf("meta rows = %d for a failed row, want 0", n)
	}

	// The stage records the failure in its heartbeat.
	runs, _ := e.human.ListJobRuns()
	if len(runs) != 1 || runs[0].LastStatus != "error" {
		t.Errorf("job_runs = %+v, want error status", runs)
	}
}

func TestSourceHash(t *testing.T) {
	a := store.Note{NotesType: "logs", Topic: "t", UpdatedAt: "2026-01-01 00:00:00", Note: "body"}
	b := a
	if SourceHash(a) != SourceHash(b) {
		t.Error("identical notes hash differently")
	}
	b.UpdatedAt = "2026-01-02 00:00:00"
	if SourceHash(a) == SourceHash(b) {
		t.Error("updated_at change did not change the hash")
	}
	if len(SourceHash(a)) != 64 {
		t.Errorf("hash length %d, want 64 hex chars", len(SourceHash(a)))
	}
}
