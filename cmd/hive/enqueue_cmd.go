package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/samekhi/hive/internal/config"
	"github.com/samekhi/hive/internal/mq"
)

func enqueueCmd() *cobra.Command {
	var (
		queueName   string
		name        string
		payload     string
		priority    int
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a job onto the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				return fmt.Errorf("%w: invalid JSON payload: %v", errUsage, err)
			}

			q, err := mq.Open(config.QueueDBPath())
			if err != nil {
				return err
			}
			defer q.Close()

			id, err := q.Enqueue(queueName, name, parsed, mq.EnqueueOptions{
				Priority:    mq.Priority(priority),
				MaxAttempts: maxAttempts,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Job enqueued: %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "default", "Queue name")
	cmd.Flags().StringVar(&name, "name", "", "Job name")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Job payload as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", mq.DefaultPriority, "Job priority (lower runs earlier)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", mq.DefaultMaxAttempts, "Max attempts before the job is dead")
	cmd.MarkFlagRequired("name")
	return cmd
}
