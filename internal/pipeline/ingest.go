package pipeline

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/lock"
	"github.com/samekhi/hive/internal/store"
)

// Import modes for the ingest stage.
const (
	ImportNew = "new"
	ImportAll = "all"
)

// IngestOptions configure one ingest run.
type IngestOptions struct {
	User        string
	ImportMode  string // "new" (watermark) or "all" (full re-read)
	HistoryPath string
	Host        string
	HumanDB     string
	KBDB        string
	LockPath    string
	Log         zerolog.Logger
}

// RunIngest reads a user's bash history from the stored watermark onward
// and upserts the derived commands into the knowledge base. Rotation or
// truncation of the history file resets the watermark; a busy lock or a
// missing file is a recorded no-op. The watermark only advances after the
// whole batch lands, so a failed run re-reads the same lines.
func RunIngest(o IngestOptions) error {
	if o.ImportMode == "" {
		o.ImportMode = ImportNew
	}
	job := "ingest_bash_history_to_kb:" + o.User
	t0 := time.Now()
	log := o.Log.With().Str("user", o.User).Logger()

	human, err := store.OpenHuman(o.HumanDB)
	if err != nil {
		return fmt.Errorf("open human db: %w", err)
	}
	defer human.Close()

	finish := func(ok bool, msg string) {
		_ = human.JobFinish(job, ok, time.Since(t0).Milliseconds(), msg)
	}

	if err := human.JobStart(job, fmt.Sprintf("host=%s import_mode=%s", o.Host, o.ImportMode)); err != nil {
		return fmt.Errorf("heartbeat start: %w", err)
	}

	log.Info().Str("import_mode", o.ImportMode).Msg("start")

	l, err := lock.Acquire(o.LockPath)
	if err == lock.ErrBusy {
		log.Info().Str("lock", o.LockPath).Msg("lock_busy")
		finish(true, "lock_busy")
		return nil
	}
	if err != nil {
		finish(false, err.Error())
		return err
	}
	defer l.Release()

	if _, err := os.Stat(o.HistoryPath); err != nil {
		msg := "no_history_file path=" + o.HistoryPath
		log.Info().Msg(msg)
		finish(true, msg)
		return nil
	}

	data, err := os.ReadFile(o.HistoryPath)
	if err != nil {
		finish(false, err.Error())
		return fmt.Errorf("read history: %w", err)
	}
	// History files are UTF-8-ish; lines are handled as raw bytes so
	// invalid sequences pass through instead of failing the run.
	lines := splitLines(string(data))

	inode := inodeOf(o.HistoryPath)
	lineCount := len(lines)

	oldInode, lastLine, err := human.LoadHistoryState(o.Host, o.HistoryPath)
	if err != nil {
		finish(false, err.Error())
		return err
	}

	startLine := 1
	if o.ImportMode != ImportAll && oldInode != "" && oldInode == inode && lineCount >= lastLine {
		startLine = lastLine + 1
	}

	log.Info().
		Str("path", o.HistoryPath).
		Str("inode", inode).
		Str("old_inode", oldInode).
		Int("last_line", lastLine).
		Int("start_line", startLine).
		Int("total_lines", lineCount).
		Msg("state")

	if startLine > lineCount {
		if err := human.SaveHistoryState(o.Host, o.HistoryPath, inode, lineCount); err != nil {
			finish(false, err.Error())
			return err
		}
		log.Info().Msg("noop start_line_past_eof")
		finish(true, "noop start_line_past_eof")
		return nil
	}

	var newLines []string
	for _, s := range lines[startLine-1:] {
		t := strings.TrimSpace(s)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		newLines = append(newLines, s)
	}
	if len(newLines) == 0 {
		if err := human.SaveHistoryState(o.Host, o.HistoryPath, inode, lineCount); err != nil {
			finish(false, err.Error())
			return err
		}
		log.Info().Msg("noop no_new_lines")
		finish(true, "noop no_new_lines")
		return nil
	}

	kb, err := store.OpenKB(o.KBDB)
	if err != nil {
		finish(false, err.Error())
		return fmt.Errorf("open kb db: %w", err)
	}
	defer kb.Close()

	var processedLines, parsedCommands, queuedEnrich int
	for _, full := range newLines {
		processedLines++
		base := BaseCommand(full)
		if base == "" {
			continue
		}
		parsedCommands++
		if _, err := kb.UpsertCommand(full, base); err != nil {
			finish(false, err.Error())
			return err
		}
		created, err := kb.QueueEnrich("base", base, 50)
		if err != nil {
			finish(false, err.Error())
			return err
		}
		if created {
			queuedEnrich++
		}
	}

	if err := human.SaveHistoryState(o.Host, o.HistoryPath, inode, lineCount); err != nil {
		finish(false, err.Error())
		return err
	}

	msg := fmt.Sprintf("done processed_lines=%d parsed_commands=%d queued_enrich=%d",
		processedLines, parsedCommands, queuedEnrich)
	log.Info().
		Int("processed_lines", processedLines).
		Int("parsed_commands", parsedCommands).
		Int("queued_enrich", queuedEnrich).
		Msg("done")
	finish(true, msg)
	return nil
}

// splitLines splits on newlines without producing a trailing empty line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// inodeOf returns the file's inode as a string, "" when unavailable.
func inodeOf(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return strconv.FormatUint(st.Ino, 10)
	}
	return ""
}
