package pipeline

import (
	"time"

	"github.com/samekhi/hive/internal/store"
)

// heartbeat wraps the job_runs upsert pair every stage performs. The
// terminal upsert is best-effort: a stage failing to record its own
// failure must not mask the original error.
type heartbeat struct {
	human *store.Human
	job   string
	t0    time.Time
}

func startHeartbeat(humanDB, job, message string) (*heartbeat, error) {
	h, err := store.OpenHuman(humanDB)
	if err != nil {
		return nil, err
	}
	if err := h.JobStart(job, message); err != nil {
		h.Close()
		return nil, err
	}
	return &heartbeat{human: h, job: job, t0: time.Now()}, nil
}

func (hb *heartbeat) finish(ok bool, message string) {
	if hb == nil {
		return
	}
	_ = hb.human.JobFinish(hb.job, ok, time.Since(hb.t0).Milliseconds(), message)
}

func (hb *heartbeat) close() {
	if hb == nil {
		return
	}
	hb.human.Close()
}
