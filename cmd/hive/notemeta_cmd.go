package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/samekhi/hive/internal/config"
	"github.com/samekhi/hive/internal/llm"
	"github.com/samekhi/hive/internal/logging"
	"github.com/samekhi/hive/internal/pipeline"
)

type noteMetaFlags struct {
	humanDB   string
	aiDB      string
	ollamaURL string
	model     string
	limit     int
	timeout   int
	sleep     float64
	sinceID   int64
	backtrack int64
	dryRun    bool
}

func noteMetaCmd() *cobra.Command {
	var f noteMetaFlags
	cmd := &cobra.Command{
		Use:   "note-meta",
		Short: "Generate metadata for notes",
		Long: `Generates strict-JSON metadata (summary, tags, entities, commands,
sensitivity) for every note. Incremental: the scan backtracks a window
below the highest note already processed, and an unchanged note — same
(note_id, source_hash) — costs nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNoteMeta(f)
		},
	}
	cmd.Flags().StringVar(&f.humanDB, "human-db", "", "Human notes database path")
	cmd.Flags().StringVar(&f.aiDB, "ai-db", "", "Metadata database path")
	cmd.Flags().StringVar(&f.ollamaURL, "ollama-url", "", "LLM endpoint (overrides settings)")
	cmd.Flags().StringVar(&f.model, "model", "", "Model name (overrides settings)")
	cmd.Flags().IntVar(&f.limit, "limit", pipeline.DefaultNoteMetaLimit, "Max notes to scan per run")
	cmd.Flags().IntVar(&f.timeout, "timeout", 180, "Per-request LLM timeout in seconds")
	cmd.Flags().Float64Var(&f.sleep, "sleep", 0, "Sleep between calls (seconds)")
	cmd.Flags().Int64Var(&f.sinceID, "since-id", 0, "Force starting note id")
	cmd.Flags().Int64Var(&f.backtrack, "backtrack", pipeline.DefaultNoteMetaBacktrack, "Scan backwards this many note IDs to catch recent edits")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Report what would be processed without calling the LLM")
	return cmd
}

func runNoteMeta(f noteMetaFlags) error {
	if f.humanDB == "" {
		f.humanDB = config.HumanDBPath()
	}
	if f.aiDB == "" {
		f.aiDB = config.AIMetaDBPath()
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

	return pipeline.RunNoteMeta(pipeline.NoteMetaOptions{
		HumanDB:    f.humanDB,
		AIMetaDB:   f.aiDB,
		TemplateDB: config.TemplateDBPath(),
		Client:     llm.NewClient(baseURL, time.Duration(f.timeout)*time.Second),
		Model:      model,
		Limit:      f.limit,
		SinceID:    f.sinceID,
		Backtrack:  f.backtrack,
		Sleep:      time.Duration(f.sleep * float64(time.Second)),
		DryRun:     f.dryRun,
		LockPath:   config.LockPath("ai_notes"),
		Log:        logging.ForJob("ai_notes"),
	})
}
