package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/samekhi/hive/internal/config"
	"github.com/samekhi/hive/internal/logging"
	"github.com/samekhi/hive/internal/pipeline"
	"github.com/samekhi/hive/internal/search"
)

func queueSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue-search",
		Short: "Dispatch search queries for classified commands",
		Long: `Enrolls classified, known commands into command_search and sends their
queries to the search API, which caches results out-of-band. Batch size
and pacing come from BASH_SEARCH_BATCH (default 5) and BASH_SEARCH_SLEEP
(default 1s).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueSearch()
		},
	}
}

func runQueueSearch() error {
	settings := config.Load()

	sleep := time.Duration(config.EnvFloat("BASH_SEARCH_SLEEP", 1.0) * float64(time.Second))

	return pipeline.RunQueueSearch(pipeline.QueueSearchOptions{
		KBDB:     config.KBDBPath(),
		HumanDB:  config.HumanDBPath(),
		Batch:    config.EnvInt("BASH_SEARCH_BATCH", pipeline.DefaultSearchBatch),
		Sleep:    sleep,
		Client:   search.NewClient(settings.SearchBase(), 30*time.Second),
		LockPath: config.LockPath("queue_bash_searches"),
		Log:      logging.ForJob("queue_bash_searches"),
	})
}
