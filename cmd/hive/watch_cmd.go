package main

import (
	"github.com/spf13/cobra"

	"github.com/samekhi/hive/internal/config"
	"github.com/samekhi/hive/internal/logging"
	"github.com/samekhi/hive/internal/pipeline"
)

func watchCmd() *cobra.Command {
	var users string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch history files and ingest on change",
		Long: `Monitors the users' bash history files and runs the ingest stage when
one changes, with a short debounce. An alternative to cron for hosts
where the pipeline should react immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pipeline.Watch(pipeline.WatchOptions{
				Users: splitUsers(users),
				Ingest: func(user string) error {
					return runIngest(user, pipeline.ImportNew)
				},
				History: config.HistoryPath,
				Log:     logging.ForJob("watch_bash_history"),
			})
		},
	}
	cmd.Flags().StringVar(&users, "users", config.DefaultUsers, "Comma-separated users to watch")
	return cmd
}
