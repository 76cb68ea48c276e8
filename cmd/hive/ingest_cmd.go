package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/samekhi/hive/internal/config"
	"github.com/samekhi/hive/internal/logging"
	"github.com/samekhi/hive/internal/pipeline"
)

func ingestCmd() *cobra.Command {
	var (
		importMode string
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <username>",
		Short: "Ingest a user's bash history into the knowledge base",
		Long: `Reads the user's ~/.bash_history from the stored (inode, line) watermark
onward and upserts the derived commands. Rotation or truncation of the
history file restarts from line 1. Safe to cron; overlapping runs are a
silent no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				importMode = pipeline.ImportAll
			}
			if importMode != pipeline.ImportNew && importMode != pipeline.ImportAll {
				return fmt.Errorf("%w: --import must be new or all", errUsage)
			}
			return runIngest(args[0], importMode)
		},
	}
	cmd.Flags().StringVar(&importMode, "import", pipeline.ImportNew, "Import mode: 'new' uses the watermark; 'all' re-imports full history")
	cmd.Flags().BoolVar(&all, "all", false, "Alias for --import all")
	return cmd
}

func runIngest(user, importMode string) error {
	return pipeline.RunIngest(pipeline.IngestOptions{
		User:        user,
		ImportMode:  importMode,
		HistoryPath: config.HistoryPath(user),
		Host:        config.Hostname(),
		HumanDB:     config.HumanDBPath(),
		KBDB:        config.KBDBPath(),
		LockPath:    config.LockPath("ingest_bash_kb_" + user),
		Log:         logging.ForJob("ingest_bash_history_to_kb"),
	})
}
