package main

import (
	"github.com/spf13/cobra"

	"github.com/samekhi/hive/internal/config"
	"github.com/samekhi/hive/internal/logging"
	"github.com/samekhi/hive/internal/pipeline"
)

func snapshotCmd() *cobra.Command {
	var (
		limit     int
		cleanLogs int
	)
	cmd := &cobra.Command{
		Use:   "snapshot <username>",
		Short: "Tail recent history into the notes tree as threaded logs",
		Long: `Captures the last N history lines as a child note under a daily parent
note per host and user. With --clean-logs, log notes older than the
given number of days are pruned first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := args[0]
			return pipeline.RunSnapshot(pipeline.SnapshotOptions{
				User:        user,
				Limit:       limit,
				CleanDays:   cleanLogs,
				HistoryPath: config.HistoryPath(user),
				Host:        config.Hostname(),
				HumanDB:     config.HumanDBPath(),
				LockPath:    config.LockPath("save_bash_history_" + user),
				Log:         logging.ForJob("save_bash_history"),
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", pipeline.DefaultSnapshotLimit, "How many recent history lines to capture")
	cmd.Flags().IntVar(&cleanLogs, "clean-logs", -1, "Delete log notes older than this many days (-1 disables)")
	return cmd
}
