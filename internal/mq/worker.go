package mq

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/lock"
)

// Handler is an in-process job handler registered by name.
type Handler func(payload map[string]any) error

// WorkerOptions tune the polling loop.
type WorkerOptions struct {
	Sleep        time.Duration // idle poll interval; default 2s
	AutoExit     time.Duration // exit after this much wall time; default 5m
	LeaseSeconds int           // per-job lease; default 120
	Reclaim      bool          // requeue expired leases before each poll
	ScriptsDir   string        // fallback script dispatch directory
	PIDFile      string        // worker exclusion PID file
}

// Worker drains one queue: lease, dispatch, ack or fail. Workers are
// short-lived guardians of a queue relaunched by cron, not daemons; the
// auto-exit keeps a wedged loop from outliving its usefulness.
type Worker struct {
	queue    *Queue
	name     string
	opts     WorkerOptions
	handlers map[string]Handler
	log      zerolog.Logger
}

// NewWorker builds a worker for a named queue.
func NewWorker(q *Queue, queueName string, opts WorkerOptions, logger zerolog.Logger) *Worker {
	if opts.Sleep <= 0 {
		opts.Sleep = 2 * time.Second
	}
	if opts.AutoExit <= 0 {
		opts.AutoExit = 5 * time.Minute
	}
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = 120
	}
	return &Worker{
		queue:    q,
		name:     queueName,
		opts:     opts,
		handlers: make(map[string]Handler),
		log:      logger,
	}
}

// Register adds an in-process handler for a job name. Registered names
// win over the script directory.
func (w *Worker) Register(name string, h Handler) {
	w.handlers[name] = h
}

// Run polls until the auto-exit deadline. A held PID lock means another
// worker owns this queue; that is a silent success.
func (w *Worker) Run() error {
	pidLock, err := lock.AcquirePID(w.opts.PIDFile)
	if err == lock.ErrBusy {
		w.log.Info().Str("queue", w.name).Msg("another worker is running, exiting")
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire pid lock: %w", err)
	}
	defer pidLock.Release()

	w.log.Info().
		Str("queue", w.name).
		Dur("auto_exit", w.opts.AutoExit).
		Msg("worker up")

	start := time.Now()
	for time.Since(start) <= w.opts.AutoExit {
		if w.opts.Reclaim {
			if n, err := w.queue.ReclaimExpired(w.name); err != nil {
				w.log.Warn().Err(err).Msg("reclaim failed")
			} else if n > 0 {
				w.log.Info().Int64("requeued", n).Msg("reclaimed expired leases")
			}
		}

		job, payload, err := w.queue.LeaseOne(w.name, w.opts.LeaseSeconds)
		if err != nil {
			return fmt.Errorf("lease: %w", err)
		}
		if job == nil {
			time.Sleep(w.opts.Sleep)
			continue
		}

		if err := w.dispatch(job, payload); err != nil {
			w.log.Error().Str("job", job.ID).Str("name", job.Name).Err(err).Msg("job failed")
			if ferr := w.queue.Fail(job.ID, err.Error(), 60*time.Second); ferr != nil {
				return fmt.Errorf("record failure: %w", ferr)
			}
			continue
		}

		if err := w.queue.Ack(job.ID); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
		w.log.Info().Str("job", job.ID).Str("name", job.Name).Msg("job done")
	}

	w.log.Info().Dur("after", w.opts.AutoExit).Msg("auto-exit")
	return nil
}

// dispatch resolves a job name to a handler. A panic inside a handler is
// converted into a Fail with the stack attached.
func (w *Worker) dispatch(job *Job, payload map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v\n%s", r, debug.Stack())
		}
	}()

	if job.Name == "noop" {
		return nil
	}

	if h, ok := w.handlers[job.Name]; ok {
		return h(payload)
	}

	script := findScript(w.opts.ScriptsDir, job.Name)
	if script == "" {
		return fmt.Errorf("unknown job name: %s", job.Name)
	}
	return runScript(script, payload)
}

// scriptExts are tried in order: interpreted file first, then shell.
var scriptExts = []string{".py", ".sh"}

func findScript(dir, name string) string {
	if dir == "" {
		return ""
	}
	for _, ext := range scriptExts {
		p := filepath.Join(dir, name+ext)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

func runScript(script string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var cmd *exec.Cmd
	switch filepath.Ext(script) {
	case ".py":
		cmd = exec.Command("python3", script, string(raw))
	case ".sh":
		cmd = exec.Command(script)
		cmd.Env = append(os.Environ(), "MCP_PAYLOAD_JSON="+string(raw))
	default:
		return fmt.Errorf("unsupported script type: %s", script)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("script %s: %w\n%s", filepath.Base(script), err, out)
	}
	return nil
}
