package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/samekhi/hive/internal/config"
	"github.com/samekhi/hive/internal/logging"
	"github.com/samekhi/hive/internal/mq"
	"github.com/samekhi/hive/internal/pipeline"
)

func workerCmd() *cobra.Command {
	var (
		autoExit int
		reclaim  bool
	)
	cmd := &cobra.Command{
		Use:   "worker <queue> [sleep_seconds]",
		Short: "Drain a job queue until the auto-exit deadline",
		Long: `Leases jobs off a queue and dispatches them: 'noop' succeeds, known
names run in process, anything else resolves against the scripts
directory. Workers auto-exit and rely on cron to relaunch; a second
worker on the same queue exits immediately.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName := args[0]
			sleep := 2
			if len(args) == 2 {
				n, err := strconv.Atoi(args[1])
				if err != nil || n < 0 {
					return fmt.Errorf("%w: sleep_seconds must be a non-negative integer", errUsage)
				}
				sleep = n
			}
			return runWorker(queueName, sleep, autoExit, reclaim)
		},
	}
	cmd.Flags().IntVar(&autoExit, "auto-exit", 300, "Exit after this many seconds")
	cmd.Flags().BoolVar(&reclaim, "reclaim", false, "Requeue jobs whose lease expired (risks double-running non-idempotent handlers)")
	return cmd
}

func runWorker(queueName string, sleepSeconds, autoExitSeconds int, reclaim bool) error {
	q, err := mq.Open(config.QueueDBPath())
	if err != nil {
		return err
	}
	defer q.Close()

	log := logging.ForJob("mq_worker_" + queueName)

	w := mq.NewWorker(q, queueName, mq.WorkerOptions{
		Sleep:      time.Duration(sleepSeconds) * time.Second,
		AutoExit:   time.Duration(autoExitSeconds) * time.Second,
		Reclaim:    reclaim,
		ScriptsDir: config.ScriptsDir(),
		PIDFile:    config.PIDFilePath(queueName),
	}, log)

	// Legacy shortcut: queued ingest jobs run the pipeline stage in
	// process instead of shelling out.
	w.Register("ingest_bash_history", func(payload map[string]any) error {
		user, _ := payload["user"].(string)
		if !allowedUser(user) {
			return fmt.Errorf("bad user: %q", user)
		}
		return runIngest(user, pipeline.ImportNew)
	})

	return w.Run()
}

func allowedUser(user string) bool {
	if user == "" {
		return false
	}
	for _, u := range strings.Split(config.DefaultUsers, ",") {
		if user == strings.TrimSpace(u) {
			return true
		}
	}
	return false
}
