package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/samekhi/hive/internal/config"
	"github.com/samekhi/hive/internal/importer"
	"github.com/samekhi/hive/internal/logging"
)

func importCmd() *cobra.Command {
	var (
		notesType string
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import markdown notes with frontmatter",
		Long: `Walks a directory of markdown files and inserts each as a note, taking
topic, notes_type and friends from the frontmatter when present. Already
imported files are skipped, so re-running over the same tree is safe.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := importer.Run(importer.Options{
				Dir:       args[0],
				NotesType: notesType,
				DryRun:    dryRun,
				HumanDB:   config.HumanDBPath(),
				Log:       logging.ForJob("import_notes"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("scanned=%d imported=%d skipped=%d\n", res.Scanned, res.Imported, res.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&notesType, "notes-type", "general_note", "Default notes_type for files without one")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be imported without writing")
	return cmd
}
