package pipeline

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatchTriggersIngestOnWrite(t *testing.T) {
	dir := t.TempDir()
	histPath := filepath.Join(dir, ".bash_history")
	if err := os.WriteFile(histPath, []byte("ls\n"), 0o600); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	var ingests atomic.Int32
	opts := WatchOptions{
		Users: []string{"alice"},
		Ingest: func(user string) error {
			if user != "alice" {
				t.Errorf("ingest user = %q", user)
			}
			ingests.Add(1)
			return nil
		},
		History: func(user string) string { return histPath },
		Log:     zerolog.Nop(),
	}

	done := make(chan error, 1)
	go func() { done <- Watch(opts) }()

	// Give the watcher a moment to register, then touch the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(histPath, []byte("ls\nuptime\n"), 0o600); err != nil {
		t.Fatalf("append history: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ingests.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if ingests.Load() == 0 {
		t.Fatal("watcher never triggered ingest")
	}

	select {
	case err := <-done:
		t.Fatalf("Watch exited early: %v", err)
	default:
	}
}
