package main

import (
	"github.com/spf13/cobra"

	"github.com/samekhi/hive/internal/config"
	"github.com/samekhi/hive/internal/llm"
	"github.com/samekhi/hive/internal/logging"
	"github.com/samekhi/hive/internal/pipeline"
)

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify",
		Short: "Classify ingested commands with the local LLM",
		Long: `Sends pending commands to the LLM for strict-JSON classification:
intent, keywords, known/unknown, and a search query for the known ones.
Batch size comes from BASH_AI_BATCH (default 20); the endpoint from
OLLAMA_URL or the shared settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify()
		},
	}
}

func runClassify() error {
	settings := config.Load()
	baseURL, err := settings.OllamaURL()
	if err != nil {
		return err
	}

	return pipeline.RunClassify(pipeline.ClassifyOptions{
		KBDB:     config.KBDBPath(),
		HumanDB:  config.HumanDBPath(),
		Batch:    config.EnvInt("BASH_AI_BATCH", pipeline.DefaultClassifyBatch),
		Client:   llm.NewClient(baseURL, pipeline.ClassifyTimeout),
		Model:    settings.OllamaModel(),
		LockPath: config.LockPath("classify_bash_commands"),
		Log:      logging.ForJob("classify_bash_commands"),
	})
}
