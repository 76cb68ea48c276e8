package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/llm"
	"github.com/samekhi/hive/internal/store"
)

type summarizeEnv struct {
	opts  SummarizeOptions
	sc    *store.SearchCache
	human *store.Human
	calls *atomic.Int32
}

func newSummarizeEnv(t *testing.T, reply string) *summarizeEnv {
	t.Helper()
	dir := t.TempDir()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"content": reply},
		})
	}))
	t.Cleanup(srv.Close)

	sc, err := store.OpenSearchCache(filepath.Join(dir, "search_cache.db"))
	if err != nil {
		t.Fatalf("OpenSearchCache: %v", err)
	}
	t.Cleanup(func() { sc.Close() })

	human, err := store.OpenHuman(filepath.Join(dir, "human_notes.db"))
	if err != nil {
		t.Fatalf("OpenHuman: %v", err)
	}
	t.Cleanup(func() { human.Close() })

	return &summarizeEnv{
		opts: SummarizeOptions{
			SearchDB:   filepath.Join(dir, "search_cache.db"),
			HumanDB:    filepath.Join(dir, "human_notes.db"),
			TemplateDB: filepath.Join(dir, "ai_header.db"),
			Client:     llm.NewClient(srv.URL, 5*time.Second),
			Model:      "test-model",
			LockPath:   filepath.Join(dir, "locks", "ai_search_summ.lock"),
			Log:        zerolog.Nop(),
		},
		sc:    sc,
		human: human,
		calls: &calls,
	}
}

func TestSummarizeCreatesNoteAndBackfillsCache(t *testing.T) {
	e := newSummarizeEnv(t, "A tidy summary.")
	id, err := e.sc.InsertRow("h1", "linux flock", `{"ok":true,"results":[]}`, []string{"https://a", "https://b"})
	if err != nil {
		t.Fatalf("InsertRow: %v", err)
	}

	if err := RunSummarize(e.opts); err != nil {
		t.Fatalf("RunSummarize: %v", err)
	}

	marker := fmt.Sprintf("search_cache_id: %d", id)
	has, err := e.human.HasNoteContaining(marker)
	if err != nil {
		t.Fatalf("HasNoteContaining: %v", err)
	}
	if !has {
		t.Error("no note created with the cache marker")
	}

	var topic, notesType string
	e.human.Conn().QueryRow(`SELECT topic, notes_type FROM notes ORDER BY id DESC LIMIT 1`).Scan(&topic, &notesType)
	if notesType != "ai_generated" {
		t.Errorf("notes_type = %q", notesType)
	}
	if topic != "search: linux flock" {
		t.Errorf("topic = %q", topic)
	}

	pending, _ := e.sc.LoadPending(10, 0)
	if len(pending) != 0 {
		t.Error("summarized row still pending")
	}

	var aiNotes string
	e.sc.Conn().QueryRow(`SELECT ai_notes FROM search_cache_history WHERE id=?`, id).Scan(&aiNotes)
	if aiNotes != "A tidy summary." {
		t.Errorf("ai_notes = %q", aiNotes)
	}
}

func TestSummarizeRerunSkips(t *testing.T) {
	e := newSummarizeEnv(t, "A tidy summary.")
	if _, err := e.sc.InsertRow("h1", "q", `{}`, nil); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}

	if err := RunSummarize(e.opts); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := e.calls.Load()
	if first != 1 {
		t.Fatalf("llm calls = %d, want 1", first)
	}

	if err := RunSummarize(e.opts); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if e.calls.Load() != first {
		t.Errorf("rerun called the llm again (%d calls)", e.calls.Load())
	}
}

func TestSummarizeExistingNoteGetsMarkerBackfill(t *testing.T) {
	e := newSummarizeEnv(t, "should not be used")
	id, _ := e.sc.InsertRow("h1", "q", `{}`, nil)

	// A human note referencing this cache row already exists.
	if _, err := e.human.InsertNote("ai_generated", "search: q",
		fmt.Sprintf("search_cache_id: %d\nolder summary", id)); err != nil {
		t.Fatalf("InsertNote: %v", err)
	}

	if err := RunSummarize(e.opts); err != nil {
		t.Fatalf("RunSummarize: %v", err)
	}
	if e.calls.Load() != 0 {
		t.Errorf("llm called for a row whose note already exists")
	}

	var aiNotes string
	e.sc.Conn().QueryRow(`SELECT ai_notes FROM search_cache_history WHERE id=?`, id).Scan(&aiNotes)
	if !strings.Contains(aiNotes, "already summarized") {
		t.Errorf("ai_notes = %q, want the backfill marker", aiNotes)
	}

	var count int
	e.human.Conn().QueryRow(`SELECT COUNT(1) FROM notes`).Scan(&count)
	if count != 1 {
		t.Errorf("notes = %d, want 1 (no duplicate)", count)
	}
}

func TestSummarizeDryRun(t *testing.T) {
	e := newSummarizeEnv(t, "unused")
	e.sc.InsertRow("h1", "q", `{}`, nil)

	opts := e.opts
	opts.DryRun = true
	if err := RunSummarize(opts); err != nil {
		t.Fatalf("RunSummarize: %v", err)
	}
	if e.calls.Load() != 0 {
		t.Error("dry run called the llm")
	}
	pending, _ := e.sc.LoadPending(10, 0)
	if len(pending) != 1 {
		t.Error("dry run consumed the row")
	}
}

func TestSummarizeEmptyModelReplyGetsPlaceholder(t *testing.T) {
	e := newSummarizeEnv(t, "")
	id, _ := e.sc.InsertRow("h1", "q", `{}`, nil)

	if err := RunSummarize(e.opts); err != nil {
		t.Fatalf("RunSummarize: %v", err)
	}
	var aiNotes string
	e.sc.Conn().QueryRow(`SELECT ai_notes FROM search_cache_history WHERE id=?`, id).Scan(&aiNotes)
	if aiNotes != "(empty summary returned by model)" {
		t.Errorf("ai_notes = %q", aiNotes)
	}
}
