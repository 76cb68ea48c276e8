package pipeline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/lock"
	"github.com/samekhi/hive/internal/store"
)

// Snapshot note identity.
const (
	snapshotNotesType = "logs"
	snapshotTopic     = "bash_history"
)

// DefaultSnapshotLimit is how many recent history lines a snapshot keeps.
const DefaultSnapshotLimit = 25

// SnapshotOptions configure one history snapshot.
type SnapshotOptions struct {
	User        string
	Limit       int
	CleanDays   int // <0 disables cleanup
	HistoryPath string
	Host        string
	HumanDB     string
	LockPath    string
	Log         zerolog.Logger
}

// RunSnapshot tails the last N history lines into the notes tree as
// threaded logs: one parent note per (day, host, user), one child note
// per run. With CleanDays >= 0 it also prunes old log notes.
func RunSnapshot(o SnapshotOptions) error {
	if o.Limit <= 0 {
		o.Limit = DefaultSnapshotLimit
	}
	job := "save_bash_history:" + o.User
	t0 := time.Now()

	human, err := store.OpenHuman(o.HumanDB)
	if err != nil {
		return fmt.Errorf("open human db: %w", err)
	}
	defer human.Close()

	finish := func(ok bool, msg string) {
		_ = human.JobFinish(job, ok, time.Since(t0).Milliseconds(), msg)
	}
	if err := human.JobStart(job, "host="+o.Host); err != nil {
		return fmt.Errorf("heartbeat start: %w", err)
	}

	l, err := lock.Acquire(o.LockPath)
	if err == lock.ErrBusy {
		finish(true, "lock_busy")
		return nil
	}
	if err != nil {
		finish(false, err.Error())
		return err
	}
	defer l.Release()

	var cleaned int64
	if o.CleanDays >= 0 {
		cutoff := time.Now().AddDate(0, 0, -o.CleanDays).Format("2006-01-02")
		cleaned, err = human.CleanupLogs(cutoff)
		if err != nil {
			finish(false, err.Error())
			return err
		}
		if cleaned > 0 {
			o.Log.Info().Int64("deleted", cleaned).Str("cutoff", cutoff).Msg("cleaned old logs")
		}
	}

	data, err := os.ReadFile(o.HistoryPath)
	if err != nil {
		msg := "no_history_file path=" + o.HistoryPath
		o.Log.Info().Msg(msg)
		finish(true, msg)
		return nil
	}

	lines := splitLines(string(data))
	var tail []string
	for _, s := range lines {
		if strings.TrimSpace(s) == "" {
			continue
		}
		tail = append(tail, s)
	}
	if len(tail) > o.Limit {
		tail = tail[len(tail)-o.Limit:]
	}
	if len(tail) == 0 {
		finish(true, "noop empty_history")
		return nil
	}

	day := time.Now().Format("2006-01-02")
	node := fmt.Sprintf("%s:%s", o.Host, o.User)

	parentID, err := human.FindNoteByTypeTopicTS(snapshotNotesType, snapshotTopic, node, day)
	if err != nil {
		finish(false, err.Error())
		return err
	}
	if parentID == 0 {
		parentID, err = human.InsertChildNote(0, snapshotNotesType, snapshotTopic, node, day,
			fmt.Sprintf("bash history for %s on %s (%s)", o.User, o.Host, day))
		if err != nil {
			finish(false, err.Error())
			return err
		}
	}

	body := fmt.Sprintf("captured_at: %s\nuser: %s\nhost: %s\n\n%s\n",
		store.Now(), o.User, o.Host, strings.Join(tail, "\n"))
	if _, err := human.InsertChildNote(parentID, snapshotNotesType, snapshotTopic, node, day, body); err != nil {
		finish(false, err.Error())
		return err
	}

	msg := fmt.Sprintf("done lines=%d parent_id=%d cleaned=%d", len(tail), parentID, cleaned)
	o.Log.Info().Msg(msg)
	finish(true, msg)
	return nil
}
