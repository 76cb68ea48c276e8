// Package importer loads markdown files with frontmatter into the notes
// database, so externally authored notes flow through the same metadata
// pipeline as generated ones.
package importer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/frontmatter"
	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/store"
)

// NoteMeta holds the frontmatter fields an imported note may carry.
type NoteMeta struct {
	Topic     string   `yaml:"topic"`
	Title     string   `yaml:"title"` // alternate key for topic
	NotesType string   `yaml:"notes_type"`
	Node      string   `yaml:"node"`
	Version   string   `yaml:"version"`
	TS        string   `yaml:"ts"`
	Tags      []string `yaml:"tags"`
}

// ParsedNote is a markdown file split into frontmatter and body.
type ParsedNote struct {
	Meta NoteMeta
	Body string
}

// ParseNote parses a markdown document. A file without (or with broken)
// frontmatter imports whole as the body.
func ParseNote(content string) ParsedNote {
	var meta NoteMeta
	body, err := frontmatter.Parse(strings.NewReader(content), &meta)
	if err != nil {
		return ParsedNote{Body: content}
	}
	if meta.Topic == "" && meta.Title != "" {
		meta.Topic = meta.Title
	}
	return ParsedNote{Meta: meta, Body: string(body)}
}

// Options configure an import run.
type Options struct {
	Dir       string
	NotesType string // default for files whose frontmatter omits it
	DryRun    bool
	HumanDB   string
	Log       zerolog.Logger
}

// Result summarizes an import run.
type Result struct {
	Scanned  int
	Imported int
	Skipped  int
}

// Run walks Dir for .md files and inserts each as a root-level note. A
// file already imported (matched by its import marker in the note body)
// is skipped, so re-running over the same tree is safe.
func Run(o Options) (Result, error) {
	var res Result

	if o.NotesType == "" {
		o.NotesType = "general_note"
	}

	human, err := store.OpenHuman(o.HumanDB)
	if err != nil {
		return res, fmt.Errorf("open human db: %w", err)
	}
	defer human.Close()

	err = filepath.WalkDir(o.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		res.Scanned++

		rel, rerr := filepath.Rel(o.Dir, path)
		if rerr != nil {
			rel = path
		}
		marker := "imported_from: " + filepath.ToSlash(rel)

		exists, herr := human.HasNoteContaining(marker)
		if herr != nil {
			return herr
		}
		if exists {
			res.Skipped++
			return nil
		}

		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			o.Log.Warn().Str("file", rel).Err(rerr).Msg("unreadable, skipping")
			res.Skipped++
			return nil
		}

		parsed := ParseNote(string(raw))
		topic := parsed.Meta.Topic
		if topic == "" {
			topic = strings.TrimSuffix(d.Name(), ".md")
		}
		notesType := parsed.Meta.NotesType
		if notesType == "" {
			notesType = o.NotesType
		}

		body := buildNoteBody(marker, parsed)

		if o.DryRun {
			o.Log.Info().Str("file", rel).Str("topic", topic).Msg("would import")
			res.Imported++
			return nil
		}

		if _, ierr := human.InsertChildNote(0, notesType, topic, parsed.Meta.Node, parsed.Meta.TS, body); ierr != nil {
			return fmt.Errorf("import %s: %w", rel, ierr)
		}
		o.Log.Info().Str("file", rel).Str("topic", topic).Msg("imported")
		res.Imported++
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

func buildNoteBody(marker string, parsed ParsedNote) string {
	var b strings.Builder
	b.WriteString(marker)
	b.WriteString("\n")
	if len(parsed.Meta.Tags) > 0 {
		b.WriteString("tags: " + strings.Join(parsed.Meta.Tags, ",") + "\n")
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(parsed.Body))
	b.WriteString("\n")
	return b.String()
}
