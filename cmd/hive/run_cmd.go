package main

import (
	"github.com/spf13/cobra"

	"github.com/samekhi/hive/internal/config"
	"github.com/samekhi/hive/internal/logging"
	"github.com/samekhi/hive/internal/pipeline"
)

func runCmd() *cobra.Command {
	var (
		users          string
		skipNotes      bool
		skipSearchSumm bool
		dryRun         bool
		keepGoing      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline in order",
		Long: `Runs ingest for each user, then classify, queue-search, and the
optional summarize and note-metadata passes. One cron entry instead of
five, while the individual subcommands stay available for debugging.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pipeline.RunOrchestrator(pipeline.OrchestratorOptions{
				Users:          splitUsers(users),
				SkipSearchSumm: skipSearchSumm,
				SkipNotes:      skipNotes,
				DryRun:         dryRun,
				KeepGoing:      keepGoing,
				HumanDB:        config.HumanDBPath(),
				LockPath:       config.LockPath("process_bash_history"),
				Log:            logging.ForJob("process_bash_history"),
				StageIngest: func(user string) error {
					return runIngest(user, pipeline.ImportNew)
				},
				StageClassify: runClassify,
				StageSearch:   runQueueSearch,
				StageSumm: func() error {
					return runSummarize(summarizeFlags{
						limit:   pipeline.DefaultSummarizeLimit,
						timeout: 180,
					})
				},
				StageNoteMeta: func() error {
					return runNoteMeta(noteMetaFlags{
						limit:     pipeline.DefaultNoteMetaLimit,
						timeout:   180,
						backtrack: pipeline.DefaultNoteMetaBacktrack,
					})
				},
			})
		},
	}
	cmd.Flags().StringVar(&users, "users", config.DefaultUsers, "Comma-separated users for the ingest stage")
	cmd.Flags().BoolVar(&skipNotes, "skip-ai-notes", false, "Skip the note-metadata stage")
	cmd.Flags().BoolVar(&skipSearchSumm, "skip-ai-search-summ", false, "Skip the search-summarize stage")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the planned stages only")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "Continue remaining stages even if one fails")
	return cmd
}
