package search

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestQueryEscapesAndDecodes(t *testing.T) {
	var gotQ string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQ = r.URL.Query().Get("q")
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		w.Write([]byte(`{"ok": true, "meta": {"top_urls": ["https://a", "https://b"]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/search/?q=", 5*time.Second)
	out, err := c.Query("what does flock & friends do?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if gotQ != "what does flock & friends do?" {
		t.Errorf("server saw q=%q", gotQ)
	}
	if !out.OK || len(out.Meta.TopURLs) != 2 {
		t.Errorf("response = %+v", out)
	}
}

func TestQueryNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": false, "error": "no_results", "message": "nothing found"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/?q=", 5*time.Second)
	out, err := c.Query("obscure")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if out.OK || out.Error != "no_results" || out.Message != "nothing found" {
		t.Errorf("response = %+v", out)
	}
}

func TestQueryNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>backend error</html>`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/?q=", 5*time.Second)
	if _, err := c.Query("q"); err == nil {
		t.Error("HTML body accepted")
	}
}

func TestQueryHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/?q=", 5*time.Second)
	if _, err := c.Query("q"); err == nil {
		t.Error("500 accepted")
	}
}
