package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["stream"] != false {
			t.Errorf("stream = %v, want false", req["stream"])
		}
		opts, _ := req["options"].(map[string]any)
		if opts["temperature"] != float64(0) {
			t.Errorf("temperature = %v, want 0", opts["temperature"])
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "  {\"known\": true}  "})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	got, err := c.Generate("test-model", "classify this")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != `{"known": true}` {
		t.Errorf("response = %q", got)
	}
}

func TestGenerateEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"response": ""})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	if _, err := c.Generate("m", "p"); err == nil {
		t.Error("empty response accepted")
	}
}

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		msgs, _ := req["messages"].([]any)
		if len(msgs) != 2 {
			t.Errorf("messages = %v", msgs)
		}
		first, _ := msgs[0].(map[string]any)
		if first["role"] != "system" {
			t.Errorf("first role = %v", first["role"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"content": "a summary"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	got, err := c.Chat("m", "sys", "user", map[string]any{"temperature": 0.2}, false)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "a summary" {
		t.Errorf("content = %q", got)
	}
}

func TestPostRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "ok after retries"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	got, err := c.Generate("m", "p")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "ok after retries" {
		t.Errorf("response = %q", got)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestPostClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	if _, err := c.Generate("m", "p"); err == nil {
		t.Fatal("404 accepted")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
}
