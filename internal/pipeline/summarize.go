package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mdombrov-33/go-promptguard/detector"
	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/llm"
	"github.com/samekhi/hive/internal/lock"
	"github.com/samekhi/hive/internal/store"
)

// DefaultSummarizeLimit caps the cached searches scanned per run.
const DefaultSummarizeLimit = 500

// summaryGuard screens cached web content before it reaches the LLM
// prompt. Pattern + statistical detectors only, no LLM judge: the check
// runs once per cached search and has to stay sub-millisecond.
var summaryGuard = detector.New(
	detector.WithThreshold(0.6),
	detector.WithAllDetectors(),
	detector.WithMaxInputLength(1000),
)

// SummarizeOptions configure one search-summarize run.
type SummarizeOptions struct {
	SearchDB   string
	HumanDB    string
	TemplateDB string
	Client     *llm.Client
	Model      string
	Limit      int
	SinceID    int64
	Sleep      time.Duration
	DryRun     bool
	LockPath   string
	Log        zerolog.Logger
}

// RunSummarize turns cached search results without ai_notes into
// ai_generated notes, writing the summary back onto the cache row. A row
// whose note already exists (matched by the search_cache_id marker) gets
// its ai_notes backfilled instead of a second note.
func RunSummarize(o SummarizeOptions) error {
	if o.Limit <= 0 {
		o.Limit = DefaultSummarizeLimit
	}
	const job = "ai_search_summ"

	l, err := lock.Acquire(o.LockPath)
	if err == lock.ErrBusy {
		return nil
	}
	if err != nil {
		return err
	}
	defer l.Release()

	searchConn, err := store.OpenSearchCache(o.SearchDB)
	if err != nil {
		return fmt.Errorf("open search cache: %w", err)
	}
	defer searchConn.Close()

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

	pending, err := searchConn.LoadPending(o.Limit, o.SinceID)
	if err != nil {
		finish(false, "fatal: "+err.Error())
		return err
	}

	if o.DryRun {
		msg := fmt.Sprintf("dry_run pending=%d", len(pending))
		o.Log.Info().Msg(msg)
		finish(true, msg)
		return nil
	}

	var processed, skipped, flagged, failed int
	for _, row := range pending {
		marker := fmt.Sprintf("search_cache_id: %d", row.ID)

		exists, err := human.HasNoteContaining(marker)
		if err != nil {
			failed++
			o.Log.Error().Int64("search_cache_id", row.ID).Err(err).Msg("note lookup failed")
			continue
		}
		if exists {
			if strings.TrimSpace(row.AINotes) == "" {
				_ = searchConn.SetAINotes(row.ID, "(already summarized into human_notes.db)")
			}
			skipped++
			continue
		}

		if guardFlags(row) {
			flagged++
			_ = searchConn.SetAINotes(row.ID, "(skipped: prompt injection detected in cached content)")
			o.Log.Warn().Int64("search_cache_id", row.ID).Str("q", row.Q).Msg("guard flagged cached content")
			continue
		}

		summary, err := summarizeOne(o, row)
		if err != nil {
			failed++
			o.Log.Error().Int64("search_cache_id", row.ID).Err(err).Msg("summarize failed")
			continue
		}
		if summary == "" {
			summary = "(empty summary returned by model)"
		}

		noteText := buildSearchNote(row, summary)
		topic := "search: (no query)"
		if strings.TrimSpace(row.Q) != "" {
			topic = "search: " + row.Q
		}

		if _, err := human.InsertNote("ai_generated", topic, noteText); err != nil {
			failed++
			o.Log.Error().Int64("search_cache_id", row.ID).Err(err).Msg("insert note failed")
			continue
		}
		if err := searchConn.SetAINotes(row.ID, strings.TrimSpace(summary)); err != nil {
			failed++
			o.Log.Error().Int64("search_cache_id", row.ID).Err(err).Msg("ai_notes update failed")
			continue
		}

		processed++
		if o.Sleep > 0 {
			time.Sleep(o.Sleep)
		}
	}

	msg := fmt.Sprintf("processed=%d skipped=%d flagged=%d failed=%d scanned=%d",
		processed, skipped, flagged, failed, len(pending))
	o.Log.Info().Msg(msg)
	finish(failed == 0, msg)
	return nil
}

// guardFlags screens the query and a capped body prefix.
func guardFlags(row store.CachedSearch) bool {
	sample := row.Q
	if len(row.Body) > 0 {
		body := row.Body
		if len(body) > 1000 {
			body = body[:1000]
		}
		sample += "\n" + body
	}
	if sample == "" {
		return false
	}
	result := summaryGuard.Detect(context.Background(), sample)
	return !result.Safe
}

func summarizeOne(o SummarizeOptions, row store.CachedSearch) (string, error) {
	defaultSystem := "You summarize cached web search results for an internal notes system.\n" +
		"Be concise and actionable. Output PLAIN TEXT only.\n" +
		"Include: 1-2 sentence overview, then 3-7 bullet points of key findings.\n" +
		"If content looks like a backend error page or empty response, say so clearly.\n"

	top := formatURLList(row.TopURLs, 15)
	defaultUser := fmt.Sprintf(
		"search_cache_id: %d\ncached_at: %s\nquery: %s\n\nTOP_URLS:\n%s\n\nRAW_SEARCH_JSON:\n%s\n",
		row.ID, row.CachedAt, row.Q, top, row.Body,
	)

	templateName := os.Getenv("AI_TEMPLATE_SEARCH_SUMMARY")
	if templateName == "" {
		templateName = "Search Summary"
	}
	payload := llm.CompilePayload(o.TemplateDB, templateName, map[string]any{
		"row": map[string]any{
			"id":                 row.ID,
			"cached_at":          row.CachedAt,
			"q":                  row.Q,
			"body":               row.Body,
			"top_urls_formatted": top,
		},
	})

	system, user, options, stream := llm.PayloadToChatParts(payload, defaultSystem, defaultUser)
	if _, ok := options["temperature"]; !ok {
		options["temperature"] = 0.2
	}

	return o.Client.Chat(o.Model, system, user, options, stream)
}

func buildSearchNote(row store.CachedSearch, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "search_cache_id: %d\n", row.ID)
	fmt.Fprintf(&b, "cached_at: %s\n", row.CachedAt)
	fmt.Fprintf(&b, "query: %s\n\n", row.Q)
	b.WriteString("top_urls:\n")
	b.WriteString(formatURLList(row.TopURLs, 10))
	b.WriteString("\n\nsummary:\n")
	b.WriteString(strings.TrimSpace(summary))
	b.WriteString("\n")
	return b.String()
}

func formatURLList(urls []string, max int) string {
	if len(urls) > max {
		urls = urls[:max]
	}
	lines := make([]string, 0, len(urls))
	for _, u := range urls {
		lines = append(lines, "- "+u)
	}
	return strings.Join(lines, "\n")
}
