package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/samekhi/hive/internal/config"
	"github.com/samekhi/hive/internal/llm"
	"github.com/samekhi/hive/internal/logging"
	"github.com/samekhi/hive/internal/pipeline"
)

type summarizeFlags struct {
	searchDB  string
	humanDB   string
	ollamaURL string
	model     string
	limit     int
	timeout   int
	sleep     float64
	sinceID   int64
	dryRun    bool
}

func summarizeCmd() *cobra.Command {
	var f summarizeFlags
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Summarize cached search results into notes",
		Long: `Summarizes cached search snapshots that have no ai_notes yet into
ai_generated notes, and writes the summary back onto the cache row so a
row is only summarized once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSummarize(f)
		},
	}
	cmd.Flags().StringVar(&f.searchDB, "search-db", "", "Search cache database path")
	cmd.Flags().StringVar(&f.humanDB, "human-db", "", "Human notes database path")
	cmd.Flags().StringVar(&f.ollamaURL, "ollama-url", "", "LLM endpoint (overrides settings)")
	cmd.Flags().StringVar(&f.model, "model", "", "Model name (overrides settings)")
	cmd.Flags().IntVar(&f.limit, "limit", pipeline.DefaultSummarizeLimit, "Max cached searches to process per run")
	cmd.Flags().IntVar(&f.timeout, "timeout", 180, "Per-request LLM timeout in seconds")
	cmd.Flags().Float64Var(&f.sleep, "sleep", 0, "Sleep between calls (seconds)")
	cmd.Flags().Int64Var(&f.sinceID, "since-id", 0, "Only process rows with id > since-id")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Report pending count without calling the LLM")
	return cmd
}

func runSummarize(f summarizeFlags) error {
	if f.searchDB == "" {
		f.searchDB = config.SearchCacheDBPath()
	}
	if f.humanDB == "" {
		f.humanDB = config.HumanDBPath()
	}

	settings := config.LoadFrom(config.DefaultJSONPath(), f.humanDB)

	baseURL := f.ollamaURL
	if baseURL == "" {
		var err error
		baseURL, err = settings.OllamaURL()
		if err != nil {
			return err
		}
	}
	model := f.model
	if model == "" {
		model = settings.OllamaModel()
	}

	return pipeline.RunSummarize(pipeline.SummarizeOptions{
		SearchDB:   f.searchDB,
		HumanDB:    f.humanDB,
		TemplateDB: config.TemplateDBPath(),
		Client:     llm.NewClient(baseURL, time.Duration(f.timeout)*time.Second),
		Model:      model,
		Limit:      f.limit,
		SinceID:    f.sinceID,
		Sleep:      time.Duration(f.sleep * float64(time.Second)),
		DryRun:     f.dryRun,
		LockPath:   config.LockPath("ai_search_summ"),
		Log:        logging.ForJob("ai_search_summ"),
	})
}
