package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/store"
)

func snapshotEnv(t *testing.T, history string) (SnapshotOptions, *store.Human) {
	t.Helper()
	dir := t.TempDir()
	histPath := filepath.Join(dir, ".bash_history")
	if err := os.WriteFile(histPath, []byte(history), 0o600); err != nil {
		t.Fatalf("write history: %v", err)
	}

	human, err := store.OpenHuman(filepath.Join(dir, "human_notes.db"))
	if err != nil {
		t.Fatalf("OpenHuman: %v", err)
	}
	t.Cleanup(func() { human.Close() })

	return SnapshotOptions{
		User:        "alice",
		Limit:       25,
		CleanDays:   -1,
		HistoryPath: histPath,
		Host:        "testhost",
		HumanDB:     filepath.Join(dir, "human_notes.db"),
		LockPath:    filepath.Join(dir, "locks", "save_bash_history_alice.lock"),
		Log:         zerolog.Nop(),
	}, human
}

func TestSnapshotThreadsUnderDailyParent(t *testing.T) {
	opts, human := snapshotEnv(t, "ls\nuptime\n")

	if err := RunSnapshot(opts); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	if err := RunSnapshot(opts); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}

	// One parent, two children.
	var parents, children int
	human.Conn().QueryRow(`SELECT COUNT(1) FROM notes WHERE notes_type='logs' AND parent_id=0`).Scan(&parents)
	human.Conn().QueryRow(`SELECT COUNT(1) FROM notes WHERE notes_type='logs' AND parent_id!=0`).Scan(&children)
	if parents != 1 {
		t.Errorf("parents = %d, want 1", parents)
	}
	if children != 2 {
		t.Errorf("children = %d, want 2", children)
	}
}

func TestSnapshotLimitsTail(t *testing.T) {
	opts, human := snapshotEnv(t, "one\ntwo\nthree\nfour\nfive\n")
	opts.Limit = 2

	if err := RunSnapshot(opts); err != nil {
		t.Fatalf("RunSnapshot: %v", err)
	}

	var body string
	human.Conn().QueryRow(`SELECT note FROM notes WHERE parent_id!=0 ORDER BY id DESC LIMIT 1`).Scan(&body)
	for _, absent := range []string{"one\n", "two\n", "three\n"} {
		if strings.Contains(body, absent) {
			t.Errorf("body contains %q beyond the limit", absent)
		}
	}
	if !strings.Contains(body, "four\nfive") {
		t.Errorf("body missing the tail: %q", body)
	}
}

func TestSnapshotCleanLogs(t *testing.T) {
	opts, human := snapshotEnv(t, "ls\n")
	opts.CleanDays = 7

	// An old log note that should be pruned.
	if _, err := human.InsertChildNote(0, "logs", "bash_history", "testhost:alice", "2020-01-01", "ancient"); err != nil {
		t.Fatalf("seed old note: %v", err)
	}
	// A non-log note that must survive.
	if _, err := human.InsertNote("general_note", "keep", "keep me"); err != nil {
		t.Fatalf("seed keeper: %v", err)
	}

	if err := RunSnapshot(opts); err != nil {
		t.Fatalf("RunSnapshot: %v", err)
	}

	var ancient int
	human.Conn().QueryRow(`SELECT COUNT(1) FROM notes WHERE note='ancient'`).Scan(&ancient)
	if ancient != 0 {
		t.Error("old log note not pruned")
	}
	var keeper int
	human.Conn().QueryRow(`SELECT COUNT(1) FROM notes WHERE notes_type='general_note'`).Scan(&keeper)
	if keeper != 1 {
		t.Error("non-log note was pruned")
	}
}
