package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/llm"
	"github.com/samekhi/hive/internal/lock"
	"github.com/samekhi/hive/internal/logging"
	"github.com/samekhi/hive/internal/store"
)

// PromptVersion tags classification rows with the prompt that produced
// them, so a prompt change can invalidate old results.
const PromptVersion = "bash_cmd_v1"

// DefaultClassifyBatch is the per-run candidate cap (BASH_AI_BATCH).
const DefaultClassifyBatch = 20

// ClassifyOptions configure one classify run.
type ClassifyOptions struct {
	KBDB     string
	HumanDB  string
	Batch    int
	Client   *llm.Client
	Model    string
	LockPath string
	Log      zerolog.Logger
}

// RunClassify sends pending commands to the LLM for classification and
// records the normalized verdicts. Failed rows stay eligible for the next
// run; there is no per-row retry within a run.
func RunClassify(o ClassifyOptions) error {
	if o.Batch <= 0 {
		o.Batch = DefaultClassifyBatch
	}
	const job = "classify_bash_commands"

	l, err := lock.Acquire(o.LockPath)
	if err == lock.ErrBusy {
		return nil
	}
	if err != nil {
		return err
	}
	defer l.Release()

	hb, err := startHeartbeat(o.HumanDB, job, "")
	if err != nil {
		return fmt.Errorf("heartbeat start: %w", err)
	}
	defer hb.close()

	kb, err := store.OpenKB(o.KBDB)
	if err != nil {
		hb.finish(false, "fatal: "+err.Error())
		return fmt.Errorf("open kb db: %w", err)
	}
	defer kb.Close()

	pending, err := kb.FetchPendingAI(o.Batch)
	if err != nil {
		hb.finish(false, "fatal: "+err.Error())
		return err
	}
	if len(pending) == 0 {
		o.Log.Info().Msg("noop pending=0")
		hb.finish(true, "noop pending=0")
		return nil
	}

	o.Log.Info().
		Int("pending", len(pending)).
		Int("batch", o.Batch).
		Str("model", o.Model).
		Msg("start")

	var processed, done, errors int
	for _, cand := range pending {
		processed++

		if err := kb.MarkAIWorking(cand.CmdID); err != nil {
			hb.finish(false, "fatal: "+err.Error())
			return err
		}

		payload, err := classifyOne(o.Client, o.Model, cand.FullCmd, cand.BaseCmd)
		if err != nil {
			errors++
			errText := err.Error()
			_ = kb.MarkAIError(cand.CmdID, errText)
			o.Log.Error().
				Int64("cmd_id", cand.CmdID).
				Str("base_cmd", logging.Truncate(cand.BaseCmd, 200)).
				Str("full_cmd", logging.Truncate(cand.FullCmd, 500)).
				Str("err", logging.Truncate(errText, 500)).
				Msg("error")
			continue
		}

		resultJSON, err := json.Marshal(payload)
		if err != nil {
			errors++
			_ = kb.MarkAIError(cand.CmdID, "encode result: "+err.Error())
			continue
		}

		res := store.AIResult{
			Model:         o.Model,
			PromptVersion: PromptVersion,
			ResultJSON:    string(resultJSON),
			Summary:       stringField(payload, "intent"),
			Known:         payload["known"] == true,
		}
		if q, ok := payload["search_query"].(string); ok {
			res.SearchQuery = &q
		}

		if err := kb.MarkAIDone(cand.CmdID, res); err != nil {
			hb.finish(false, "fatal: "+err.Error())
			return err
		}
		done++

		o.Log.Info().
			Int64("cmd_id", cand.CmdID).
			Bool("known", res.Known).
			Str("base_cmd", stringField(payload, "base_cmd")).
			Msg("done")
	}

	o.Log.Info().Int("processed", processed).Int("done", done).Int("errors", errors).Msg("finish")
	hb.finish(errors == 0, fmt.Sprintf("processed=%d done=%d errors=%d", processed, done, errors))
	return nil
}

// classifyOne runs the strict-JSON classification call for one command
// and returns the validated payload.
func classifyOne(client *llm.Client, model, fullCmd, baseCmd string) (map[string]any, error) {
	prompt := classifyPrompt(fullCmd, baseCmd)

	txt, err := client.Generate(model, prompt)
	if err != nil {
		return nil, err
	}

	raw, err := llm.ParseModelJSON(txt)
	if err != nil {
		return nil, fmt.Errorf("json_decode_error: %v (full_cmd=%s base_cmd_guess=%s)", err, fullCmd, baseCmd)
	}

	return validateClassification(fullCmd, baseCmd, raw), nil
}

func classifyPrompt(fullCmd, baseCmd string) string {
	return fmt.Sprintf(`You are a bash command classifier.

Return ONLY valid JSON (no markdown, no extra text).
Schema:
{
  "base_cmd": string,
  "known": boolean,
  "intent": string,
  "keywords": [string,...],
  "search_query": string|null,
  "notes": string
}

Rules:
- base_cmd should be the first real command (skip leading 'sudo' and env assignments).
- If you are not confident, set known=false and search_query=null.
- search_query should be a good web query to learn what the command does.

Command:
full_cmd: %s
base_cmd_guess: %s
`, fullCmd, baseCmd)
}

// validateClassification forces the payload into the required shape. An
// unknown command never searches; an empty base_cmd falls back to the
// ingest-derived guess.
func validateClassification(fullCmd, baseCmd string, raw map[string]any) map[string]any {
	out := map[string]any{
		"full_cmd": fullCmd,
		"base_cmd": strings.TrimSpace(stringField(raw, "base_cmd")),
		"known":    raw["known"] == true,
		"intent":   strings.TrimSpace(stringOr(raw, "intent", "unknown")),
		"keywords": listField(raw, "keywords"),
		"notes":    strings.TrimSpace(stringField(raw, "notes")),
	}

	if q, ok := raw["search_query"].(string); ok {
		out["search_query"] = q
	} else {
		out["search_query"] = nil
	}

	if out["known"] != true {
		out["search_query"] = nil
		out["keywords"] = []any{}
	}

	if out["base_cmd"] == "" {
		if baseCmd != "" {
			out["base_cmd"] = baseCmd
		} else if fields := strings.Fields(fullCmd); len(fields) > 0 {
			out["base_cmd"] = fields[0]
		}
	}

	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringOr(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return def
}

func listField(m map[string]any, key string) []any {
	if l, ok := m[key].([]any); ok {
		return l
	}
	return []any{}
}

// ClassifyTimeout is the per-request LLM timeout for classification.
const ClassifyTimeout = 60 * time.Second
