package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/lock"
	"github.com/samekhi/hive/internal/logging"
	"github.com/samekhi/hive/internal/search"
	"github.com/samekhi/hive/internal/store"
)

// Queue-search defaults (BASH_SEARCH_BATCH, BASH_SEARCH_SLEEP).
const (
	DefaultSearchBatch = 5
	DefaultSearchSleep = time.Second
)

// QueueSearchOptions configure one queue-search run.
type QueueSearchOptions struct {
	KBDB     string
	HumanDB  string
	Batch    int
	Sleep    time.Duration
	Client   *search.Client
	LockPath string
	Log      zerolog.Logger
}

// RunQueueSearch enrolls classified, known commands into command_search
// and dispatches their queries to the search API. The API caches results
// out-of-band; this stage only records whether each dispatch landed.
// "no results yet" and "no usable URLs" keep a row pending with a
// descriptive last_error so the next run reconsiders it.
func RunQueueSearch(o QueueSearchOptions) error {
	if o.Batch <= 0 {
		o.Batch = DefaultSearchBatch
	}
	if o.Sleep <= 0 {
		o.Sleep = DefaultSearchSleep
	}
	const job = "queue_bash_searches"

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

	eligible, err := kb.SeedCount()
	if err != nil {
		eligible = -1
	}

	if err := kb.SeedSearchRows(); err != nil {
		hb.finish(false, "fatal: "+err.Error())
		return err
	}

	rows, err := kb.FetchPendingSearch(o.Batch)
	if err != nil {
		hb.finish(false, "fatal: "+err.Error())
		return err
	}
	if len(rows) == 0 {
		o.Log.Info().Int("eligible", eligible).Msg("noop pending=0")
		hb.finish(true, fmt.Sprintf("noop pending=0 eligible=%d", eligible))
		return nil
	}

	o.Log.Info().Int("pending", len(rows)).Int("eligible", eligible).Msg("start")

	var ok, errCount, processed int
	for _, row := range rows {
		processed++

		status, soft, dispatchErr := dispatchSearch(o.Client, row.SearchQuery)
		switch {
		case dispatchErr != nil:
			errCount++
			_ = kb.MarkSearch(row.CmdID, "error", dispatchErr.Error())
			o.Log.Error().
				Int64("cmd_id", row.CmdID).
				Str("base", logging.Truncate(row.BaseCmd, 120)).
				Str("q", logging.Truncate(row.SearchQuery, 300)).
				Str("full", logging.Truncate(row.FullCmd, 300)).
				Str("err", logging.Truncate(dispatchErr.Error(), 300)).
				Msg("ERR")
		case soft != "":
			_ = kb.MarkSearch(row.CmdID, "pending", soft)
			o.Log.Info().
				Int64("cmd_id", row.CmdID).
				Str("base", logging.Truncate(row.BaseCmd, 120)).
				Str("q", logging.Truncate(row.SearchQuery, 300)).
				Msgf("SKIP(%s)", softKind(soft))
		default:
			ok++
			_ = kb.MarkSearch(row.CmdID, status, "")
			o.Log.Info().
				Int64("cmd_id", row.CmdID).
				Str("base", logging.Truncate(row.BaseCmd, 120)).
				Str("q", logging.Truncate(row.SearchQuery, 300)).
				Msg("OK")
			time.Sleep(o.Sleep)
		}
	}

	o.Log.Info().Int("processed", processed).Int("ok", ok).Int("err", errCount).Msg("finish")
	hb.finish(errCount == 0, fmt.Sprintf("processed=%d ok=%d err=%d eligible=%d", processed, ok, errCount, eligible))
	return nil
}

// dispatchSearch calls the API once and folds the response into one of
// three outcomes: sent, soft-retry (non-empty soft reason), or error.
func dispatchSearch(client *search.Client, query string) (status, soft string, err error) {
	out, err := client.Query(query)
	if err != nil {
		return "", "", err
	}

	if !out.OK {
		if out.Error == "no_results" {
			return "", strings.TrimSpace("no_results: " + out.Message), nil
		}
		return "", "", fmt.Errorf("search_api_bad_response: ok=false error=%s message=%s",
			out.Error, logging.Truncate(out.Message, 200))
	}

	if len(out.Meta.TopURLs) == 0 {
		return "", "no_urls", nil
	}

	return "sent", "", nil
}

func softKind(soft string) string {
	if strings.HasPrefix(soft, "no_results") {
		return "no_results"
	}
	return "no_urls"
}
