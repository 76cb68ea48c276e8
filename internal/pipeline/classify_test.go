package pipeline

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/llm"
	"github.com/samekhi/hive/internal/store"
)

// fakeLLM serves /api/generate with a canned model response.
func fakeLLM(t *testing.T, response string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"response": response})
	}))
}

func classifyEnv(t *testing.T, srvURL string) (ClassifyOptions, *store.KB) {
	t.Helper()
	dir := t.TempDir()
	kb, err := store.OpenKB(filepath.Join(dir, "bash_history.db"))
	if err != nil {
		t.Fatalf("OpenKB: %v", err)
	}
	t.Cleanup(func() { kb.Close() })

	return ClassifyOptions{
		KBDB:     filepath.Join(dir, "bash_history.db"),
		HumanDB:  filepath.Join(dir, "human_notes.db"),
		Batch:    20,
		Client:   llm.NewClient(srvURL, 5*time.Second),
		Model:    "test-model",
		LockPath: filepath.Join(dir, "locks", "classify.lock"),
		Log:      zerolog.Nop(),
	}, kb
}

func TestClassifyUnknownForcesNullQuery(t *testing.T) {
	srv := fakeLLM(t, `{"known": false, "intent": "unclear", "search_query": "whatever", "keywords": ["x"]}`)
	defer srv.Close()

	opts, kb := classifyEnv(t, srv.URL)
	cmdID, err := kb.UpsertCommand("frobnitz --widget", "frobnitz")
	if err != nil {
		t.Fatalf("UpsertCommand: %v", err)
	}

	if err := RunClassify(opts); err != nil {
		t.Fatalf("RunClassify: %v", err)
	}

	status, known, query, err := kb.AIStatus(cmdID)
	if err != nil {
		t.Fatalf("AIStatus: %v", err)
	}
	if status != "done" {
		t.Errorf("status %s, want done", status)
	}
	if known {
		t.Error("known should be false")
	}
	if query.Valid {
		t.Errorf("search_query = %q, want NULL for unknown command", query.String)
	}

	var resultJSON string
	kb.Conn().QueryRow(`SELECT result_json FROM command_ai WHERE cmd_id=?`, cmdID).Scan(&resultJSON)
	var result map[string]any
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		t.Fatalf("result_json not JSON: %v", err)
	}
	if kw, _ := result["keywords"].([]any); len(kw) != 0 {
		t.Errorf("keywords = %v, want [] for unknown command", result["keywords"])
	}
}

func TestClassifyKnownStoresQuery(t *testing.T) {
	srv := fakeLLM(t, `{"known": true, "intent": "lists directory contents", "keywords": ["ls", "files"], "search_query": "linux ls command"}`)
	defer srv.Close()

	opts, kb := classifyEnv(t, srv.URL)
	cmdID, _ := kb.UpsertCommand("ls -la", "ls")

	if err := RunClassify(opts); err != nil {
		t.Fatalf("RunClassify: %v", err)
	}

	status, known, query, _ := kb.AIStatus(cmdID)
	if status != "done" || !known {
		t.Errorf("(status, known) = (%s, %t), want (done, true)", status, known)
	}
	if !query.Valid || query.String != "linux ls command" {
		t.Errorf("search_query = %v", query)
	}

	var summary, model, promptVersion string
	kb.Conn().QueryRow(`SELECT summary, model, prompt_version FROM command_ai WHERE cmd_id=?`, cmdID).
		Scan(&summary, &model, &promptVersion)
	if summary != "lists directory contents" {
		t.Errorf("summary = %q (should be the intent)", summary)
	}
	if model != "test-model" || promptVersion != PromptVersion {
		t.Errorf("(model, prompt_version) = (%s, %s)", model, promptVersion)
	}
}

func TestClassifyRepairsSloppyJSON(t *testing.T) {
	srv := fakeLLM(t, "Here you go:\n```json\n{\"known\": true, \"intent\": \"runs my\\_tool\", \"search_query\": \"q\"}\n```")
	defer srv.Close()

	opts, kb := classifyEnv(t, srv.URL)
	cmdID, _ := kb.UpsertCommand("my_tool run", "my_tool")

	if err := RunClassify(opts); err != nil {
		t.Fatalf("RunClassify: %v", err)
	}
	status, _, _, _ := kb.AIStatus(cmdID)
	if status != "done" {
		t.Errorf("status %s, want done after repair cascade", status)
	}
}

func TestClassifyUnparseableMarksError(t *testing.T) {
	srv := fakeLLM(t, "I cannot answer that in JSON, sorry.")
	defer srv.Close()

	opts, kb := classifyEnv(t, srv.URL)
	cmdID, _ := kb.UpsertCommand("weird", "weird")

	if err := RunClassify(opts); err != nil {
		t.Fatalf("RunClassify: %v", err)
	}

	status, _, _, _ := kb.AIStatus(cmdID)
	if status != "error" {
		t.Fatalf("status %s, want error", status)
	}
	var lastErr sql.NullString
	kb.Conn().QueryRow(`SELECT last_error FROM command_ai WHERE cmd_id=?`, cmdID).Scan(&lastErr)
	if !lastErr.Valid || lastErr.String == "" {
		t.Error("last_error not recorded")
	}
	if len(lastErr.String) > 500 {
		t.Errorf("last_error length %d, want <= 500", len(lastErr.String))
	}

	// Errored rows stay eligible: a later run with a working model fixes them.
	good := fakeLLM(t, `{"known": false, "intent": "unknown"}`)
	defer good.Close()
	opts.Client = llm.NewClient(good.URL, 5*time.Second)
	if err := RunClassify(opts); err != nil {
		t.Fatalf("second RunClassify: %v", err)
	}
	status, _, _, _ = kb.AIStatus(cmdID)
	if status != "done" {
		t.Errorf("status %s after retry run, want done", status)
	}
}

func TestClassifyEmptyBaseCmdFallsBack(t *testing.T) {
	srv := fakeLLM(t, `{"known": true, "intent": "x", "base_cmd": "", "search_query": "q"}`)
	defer srv.Close()

	opts, kb := classifyEnv(t, srv.URL)
	cmdID, _ := kb.UpsertCommand("tar -xzf a.tgz", "tar")

	if err := RunClassify(opts); err != nil {
		t.Fatalf("RunClassify: %v", err)
	}

	var resultJSON string
	kb.Conn().QueryRow(`SELECT result_json FROM command_ai WHERE cmd_id=?`, cmdID).Scan(&resultJSON)
	var result map[string]any
	json.Unmarshal([]byte(resultJSON), &result)
	if result["base_cmd"] != "tar" {
		t.Errorf("base_cmd = %v, want ingest fallback tar", result["base_cmd"])
	}
}

func TestClassifyNoPendingIsNoop(t *testing.T) {
	srv := fakeLLM(t, `{}`)
	defer srv.Close()

	opts, _ := classifyEnv(t, srv.URL)
	if err := RunClassify(opts); err != nil {
		t.Fatalf("RunClassify on empty kb: %v", err)
	}

	h, _ := store.OpenHuman(opts.HumanDB)
	defer h.Close()
	runs, _ := h.ListJobRuns()
	if len(runs) != 1 || runs[0].LastStatus != "ok" {
		t.Errorf("job_runs = %+v", runs)
	}
}
