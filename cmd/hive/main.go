// Package main is the entrypoint for the hive CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/samekhi/hive/internal/config"
	"github.com/samekhi/hive/internal/mq"
	"github.com/samekhi/hive/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

// errUsage marks a bad invocation; main translates it to exit code 2.
var errUsage = errors.New("usage")

func main() {
	root := &cobra.Command{
		Use:   "hive",
		Short: "Shell-history knowledge pipeline",
		Long: `hive ingests shell command history, classifies commands with a local
LLM, fetches web search results for the ones worth learning about,
summarizes those results into notes, and generates metadata for every
note. State lives in SQLite files under the private root; every stage is
safe to re-run and safe to cron.`,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	root.AddCommand(versionCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(queueSearchCmd())
	root.AddCommand(summarizeCmd())
	root.AddCommand(noteMetaCmd())
	root.AddCommand(runCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(enqueueCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(snapshotCmd())
	root.AddCommand(importCmd())
	root.AddCommand(statusCmd())

	root.PersistentFlags().StringVar(&config.PrivateRootOverride, "private-root", "",
		"Private data root (overrides PRIVATE_ROOT)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hive version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("hive %s\n", Version)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job heartbeats and queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(queue)
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "Limit queue counts to one queue")
	return cmd
}

func runStatus(queue string) error {
	human, err := store.OpenHuman(config.HumanDBPath())
	if err != nil {
		return fmt.Errorf("open human db: %w", err)
	}
	defer human.Close()

	runs, err := human.ListJobRuns()
	if err != nil {
		return fmt.Errorf("list job runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No job runs recorded yet.")
	} else {
		fmt.Printf("%-36s %-8s %-20s %10s  %s\n", "JOB", "STATUS", "LAST START", "DURATION", "MESSAGE")
		for _, r := range runs {
			duration := "-"
			if r.LastDurationMs.Valid {
				duration = fmt.Sprintf("%dms", r.LastDurationMs.Int64)
			}
			msg := r.LastMessage
			if len(msg) > 60 {
				msg = msg[:60] + "..."
			}
			fmt.Printf("%-36s %-8s %-20s %10s  %s\n", r.Job, r.LastStatus, r.LastStart, duration, msg)
		}
	}

	q, err := mq.Open(config.QueueDBPath())
	if err != nil {
		return fmt.Errorf("open queue db: %w", err)
	}
	defer q.Close()

	counts, err := q.CountByStatus(queue)
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}
	if len(counts) > 0 {
		fmt.Println()
		fmt.Println("Queue:")
		for _, status := range []string{mq.StatusQueued, mq.StatusRunning, mq.StatusDone, mq.StatusFailed, mq.StatusDead} {
			if n, ok := counts[status]; ok {
				fmt.Printf("  %-8s %d\n", status, n)
			}
		}
	}
	return nil
}

// splitUsers parses a comma-separated user list.
func splitUsers(s string) []string {
	var users []string
	for _, u := range strings.Split(s, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			users = append(users, u)
		}
	}
	return users
}
