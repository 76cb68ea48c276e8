package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/llm"
	"github.com/samekhi/hive/internal/lock"
	"github.com/samekhi/hive/internal/store"
)

// Note-metadata defaults.
const (
	DefaultNoteMetaLimit     = 500
	DefaultNoteMetaBacktrack = 200
)

// NoteMetaOptions configure one note-metadata run.
type NoteMetaOptions struct {
	HumanDB    string
	AIMetaDB   string
	TemplateDB string
	Client     *llm.Client
	Model      string
	Limit      int
	SinceID    int64
	Backtrack  int64
	Sleep      time.Duration
	DryRun     bool
	LockPath   string
	Log        zerolog.Logger
}

// RunNoteMeta generates structured metadata for notes. The scan starts a
// backtrack window below the highest note already processed so recent
// edits are revisited; the (note_id, source_hash) key makes an unchanged
// note a free skip.
func RunNoteMeta(o NoteMetaOptions) error {
	if o.Limit <= 0 {
		o.Limit = DefaultNoteMetaLimit
	}
	if o.Backtrack < 0 {
		o.Backtrack = 0
	}
	const job = "ai_notes"

	l, err := lock.Acquire(o.LockPath)
	if err == lock.ErrBusy {
		return nil
	}
	if err != nil {
		return err
	}
	defer l.Release()

	aiMeta, err := store.OpenAIMeta(o.AIMetaDB)
	if err != nil {
		return fmt.Errorf("open ai meta db: %w", err)
	}
	defer aiMeta.Close()

	human, err := store.OpenHuman(o.HumanDB)
	if err != nil {
		return fmt.Errorf("open human db: %w", err)
	}
	defer human.Close()

	t0 := time.Now()
	if err := human.JobStart(job, ""); err != nil {
		return fmt.Errorf("heartbeat start: %w", err)
	}
	finish := func(ok bool, msg string) {
		_ = human.JobFinish(job, ok, time.Since(t0).Milliseconds(), msg)
	}

	lastProcessed, err := aiMeta.LastProcessedNoteID()
	if err != nil {
		finish(false, "fatal: "+err.Error())
		return err
	}

	startFrom := o.SinceID
	if startFrom <= 0 {
		startFrom = lastProcessed - o.Backtrack
		if startFrom < 0 {
			startFrom = 0
		}
	}

	maxNoteID, err := human.MaxNoteID()
	if err != nil {
		finish(false, "fatal: "+err.Error())
		return err
	}

	o.Log.Info().
		Int64("max_note_id", maxNoteID).
		Int64("last_processed_note_id", lastProcessed).
		Int64("start_from", startFrom).
		Int("limit", o.Limit).
		Int64("backtrack", o.Backtrack).
		Bool("dry_run", o.DryRun).
		Str("model", o.Model).
		Msg("scan_config")

	notes, err := human.LoadNotes(o.Limit, startFrom)
	if err != nil {
		finish(false, "fatal: "+err.Error())
		return err
	}

	var processed, wouldProcess, skipped, failed int
	for _, n := range notes {
		sourceHash := SourceHash(n)

		done, err := aiMeta.AlreadyDone(n.ID, sourceHash)
		if err != nil {
			finish(false, "fatal: "+err.Error())
			return err
		}
		if done {
			skipped++
			continue
		}

		if o.DryRun {
			wouldProcess++
			continue
		}

		meta, err := noteMetadata(o, n)
		if err != nil {
			failed++
			o.Log.Error().Int64("note_id", n.ID).Err(err).Msg("metadata failed")
			continue
		}

		metaJSON, err := json.Marshal(meta)
		if err != nil {
			failed++
			continue
		}

		if err := aiMeta.UpsertMeta(n, sourceHash, o.Model, string(metaJSON),
			stringField(meta, "summary"), tagsCSV(meta)); err != nil {
			failed++
			o.Log.Error().Int64("note_id", n.ID).Err(err).Msg("upsert failed")
			continue
		}
		processed++

		if o.Sleep > 0 {
			time.Sleep(o.Sleep)
		}
	}

	msg := fmt.Sprintf("processed=%d would_process=%d skipped=%d failed=%d scanned=%d start_from=%d max_note_id=%d",
		processed, wouldProcess, skipped, failed, len(notes), startFrom, maxNoteID)
	o.Log.Info().Msg(msg)
	finish(failed == 0, msg)
	return nil
}

// SourceHash fingerprints the fields whose change should trigger fresh
// metadata: notes_type, topic, updated_at and the body, newline-joined.
func SourceHash(n store.Note) string {
	material := fmt.Sprintf("%s\n%s\n%s\n%s", n.NotesType, n.Topic, n.UpdatedAt, n.Note)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// noteMetadata calls the LLM and normalizes the strict-JSON reply.
func noteMetadata(o NoteMetaOptions, n store.Note) (map[string]any, error) {
	defaultSystem := "You generate metadata for an internal LAN-only notes system.\n" +
		"Return ONLY a single JSON object. No markdown, no code fences, no extra text.\n" +
		"Schema:\n" +
		"{\n" +
		"  \"doc_kind\": \"bash_history|sysinfo|manual_pdf|bios_pdf|general_note|code|reminder|passwords|links|images|files|tags|other\",\n" +
		"  \"summary\": \"1-2 sentence summary\",\n" +
		"  \"tags\": [\"tag1\",\"tag2\"],\n" +
		"  \"entities\": [\"asus\",\"x570\",\"tpm\",\"secure boot\"],\n" +
		"  \"commands\": [\"systemctl restart ollama\",\"apt-get install ...\"],\n" +
		"  \"cmd_families\": [\"systemctl\",\"apt\",\"docker\",\"ufw\",\"journalctl\"],\n" +
		"  \"sensitivity\": \"normal|sensitive\"\n" +
		"}\n" +
		"Rules:\n" +
		"- tags/entities/commands/cmd_families must be arrays (can be empty).\n" +
		"- If note looks like bash history or logs, extract commands.\n" +
		"- If note looks like a manual/pdf, set doc_kind accordingly.\n" +
		"- If note_type is 'passwords', set sensitivity='sensitive' and keep summary minimal.\n"

	defaultUser := fmt.Sprintf(
		"note_id: %d\nparent_id: %d\nnotes_type: %s\ntopic: %s\ncreated_at: %s\nupdated_at: %s\n\nNOTE CONTENT:\n%s\n",
		n.ID, n.ParentID, n.NotesType, n.Topic, n.CreatedAt, n.UpdatedAt, n.Note,
	)

	templateName := os.Getenv("AI_TEMPLATE_NOTES_METADATA")
	if templateName == "" {
		templateName = "Notes Metadata"
	}
	payload := llm.CompilePayload(o.TemplateDB, templateName, map[string]any{
		"note": map[string]any{
			"id":         n.ID,
			"parent_id":  n.ParentID,
			"notes_type": n.NotesType,
			"topic":      n.Topic,
			"created_at": n.CreatedAt,
			"updated_at": n.UpdatedAt,
			"note":       n.Note,
		},
	})

	system, user, options, stream := llm.PayloadToChatParts(payload, defaultSystem, defaultUser)
	if _, ok := options["temperature"]; !ok {
		options["temperature"] = 0.2
	}

	content, err := o.Client.Chat(o.Model, system, user, options, stream)
	if err != nil {
		return nil, err
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata json: %w", err)
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata is not a JSON object")
	}

	return normalizeMetadata(meta), nil
}

// normalizeMetadata fills defaults and coerces types so downstream
// consumers never see a missing key or a scalar where a list belongs.
func normalizeMetadata(meta map[string]any) map[string]any {
	if _, ok := meta["doc_kind"]; !ok {
		meta["doc_kind"] = "other"
	}
	if _, ok := meta["sensitivity"]; !ok {
		meta["sensitivity"] = "normal"
	}

	for _, key := range []string{"tags", "entities", "commands", "cmd_families"} {
		if _, ok := meta[key].([]any); !ok {
			meta[key] = []any{}
		}
	}

	if _, ok := meta["summary"].(string); !ok {
		meta["summary"] = bindingString(meta["summary"])
	}

	if s, _ := meta["sensitivity"].(string); s != "normal" && s != "sensitive" {
		meta["sensitivity"] = "normal"
	}

	return meta
}

func bindingString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func tagsCSV(meta map[string]any) string {
	tags, _ := meta["tags"].([]any)
	var parts []string
	for _, t := range tags {
		if s, ok := t.(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimSpace(s))
		}
	}
	return strings.Join(parts, ",")
}
