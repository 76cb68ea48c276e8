package pipeline

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchDebounce batches the burst of writes a closing shell produces
// into one ingest per user.
const watchDebounce = 2 * time.Second

// WatchOptions configure the history watcher.
type WatchOptions struct {
	Users   []string
	Ingest  func(user string) error
	History func(user string) string
	Log     zerolog.Logger
}

// Watch monitors the users' history files and runs ingest when one
// changes. History files are rewritten whole by the shell, so the parent
// directories are watched and events filtered by name; the watcher blocks
// until an unrecoverable error.
func Watch(o WatchOptions) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	userByPath := make(map[string]string, len(o.Users))
	dirs := make(map[string]bool)
	for _, user := range o.Users {
		p := o.History(user)
		userByPath[p] = user
		dirs[filepath.Dir(p)] = true
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			o.Log.Warn().Str("dir", d).Err(err).Msg("cannot watch")
		}
	}

	o.Log.Info().Int("dirs", len(dirs)).Int("users", len(o.Users)).Msg("watching history files")

	var (
		mu      sync.Mutex
		pending = make(map[string]bool)
		timer   *time.Timer
	)

	flush := func() {
		mu.Lock()
		users := make([]string, 0, len(pending))
		for u := range pending {
			users = append(users, u)
		}
		pending = make(map[string]bool)
		mu.Unlock()

		for _, user := range users {
			o.Log.Info().Str("user", user).Msg("history changed, ingesting")
			if err := o.Ingest(user); err != nil {
				o.Log.Error().Str("user", user).Err(err).Msg("ingest failed")
			}
		}
	}

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			user, watched := userByPath[filepath.Clean(event.Name)]
			if !watched {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				mu.Lock()
				pending[user] = true
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, flush)
				mu.Unlock()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			o.Log.Warn().Err(err).Msg("watch error")
		}
	}
}
