package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/samekhi/hive/internal/lock"
	"github.com/samekhi/hive/internal/store"
)

// PlanStage is one step of the orchestrator's sequential plan.
type PlanStage struct {
	Name string
	Run  func() error
}

// OrchestratorOptions configure one full-pipeline run.
type OrchestratorOptions struct {
	Users           []string
	SkipSearchSumm  bool
	SkipNotes       bool
	DryRun          bool
	KeepGoing       bool
	HumanDB         string
	LockPath        string
	Log             zerolog.Logger
	StageIngest     func(user string) error
	StageClassify   func() error
	StageSearch     func() error
	StageSumm       func() error
	StageNoteMeta   func() error
}

// BuildPlan assembles the stage sequence: one ingest per user, then
// classify, queue-search, and the optional summarize and metadata passes.
func BuildPlan(o OrchestratorOptions) []PlanStage {
	users := o.Users
	if len(users) == 0 {
		users = []string{"samekhi", "root"}
	}

	var plan []PlanStage
	for _, u := range users {
		user := u
		plan = append(plan, PlanStage{
			Name: "ingest:" + user,
			Run:  func() error { return o.StageIngest(user) },
		})
	}
	plan = append(plan,
		PlanStage{Name: "classify", Run: o.StageClassify},
		PlanStage{Name: "queue_search", Run: o.StageSearch},
	)
	if !o.SkipSearchSumm {
		plan = append(plan, PlanStage{Name: "ai_search_summ", Run: o.StageSumm})
	}
	if !o.SkipNotes {
		plan = append(plan, PlanStage{Name: "ai_notes", Run: o.StageNoteMeta})
	}
	return plan
}

// RunOrchestrator drives the stages in order. Each stage takes its own
// file lock and writes its own heartbeat; this run tracks the plan as a
// whole under the process_bash_history job. A stage failure stops the
// plan unless KeepGoing is set.
func RunOrchestrator(o OrchestratorOptions) error {
	const job = "process_bash_history"

	l, err := lock.Acquire(o.LockPath)
	if err == lock.ErrBusy {
		o.Log.Info().Msg("lock busy; exiting")
		return nil
	}
	if err != nil {
		return err
	}
	defer l.Release()

	human, err := store.OpenHuman(o.HumanDB)
	if err != nil {
		return fmt.Errorf("open human db: %w", err)
	}
	defer human.Close()

	plan := BuildPlan(o)
	t0 := time.Now()
	if err := human.JobStart(job, fmt.Sprintf("stages=%d dry_run=%t", len(plan), o.DryRun)); err != nil {
		return fmt.Errorf("heartbeat start: %w", err)
	}

	var failed []string
	for _, stage := range plan {
		o.Log.Info().Str("stage", stage.Name).Msg("stage")
		if o.DryRun {
			continue
		}
		if err := stage.Run(); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", stage.Name, err))
			if !o.KeepGoing {
				break
			}
		}
	}

	durationMs := time.Since(t0).Milliseconds()
	if len(failed) > 0 {
		msg := "failed=" + strings.Join(failed, ", ")
		_ = human.JobFinish(job, false, durationMs, msg)
		o.Log.Error().Msg(msg)
		return fmt.Errorf("%s", msg)
	}

	msg := fmt.Sprintf("ok stages=%d", len(plan))
	_ = human.JobFinish(job, true, durationMs, msg)
	o.Log.Info().Msg(msg)
	return nil
}
