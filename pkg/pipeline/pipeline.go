// Package pipeline runs a task body as a cancellable sequence of phases.
//
// Each phase is one externally latent operation. Before every phase the task's
// checkpoint is consulted, so a STOP lands at the next phase boundary; the
// phase currently in flight is never interrupted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jxucoder/janitor/pkg/model"
	"github.com/jxucoder/janitor/pkg/task"
)

// SupersededMessage is shown when a task was cancelled or replaced mid-run.
const SupersededMessage = "Task was cancelled or replaced."

// Checkpointer is the cancellation handle of one task instance.
type Checkpointer interface {
	Checkpoint() error
	Finish(fn func(sess *model.Session)) bool
}

// Reporter receives phase updates and the terminal outcome.
type Reporter interface {
	Start(ctx context.Context, title string) error
	Phase(text string)
	PhasePercent(text string, pct int)
	Done(ctx context.Context, summary string) error
	Fail(ctx context.Context, err error) error
	Stopped(ctx context.Context, msg string) error
}

// NoPercent leaves the reporter's percentage unchanged for a phase.
const NoPercent = -1

// Phase is one step of a task body.
type Phase struct {
	Description string
	// Percent shown while the phase runs, or NoPercent.
	Percent int
	Run     func(ctx context.Context) error
}

// Sequence describes a whole task body.
type Sequence struct {
	Title  string
	Phases []Phase

	// Summary renders the success text once every phase returned. Required.
	Summary func() string
	// Complete is applied to the session in the same critical section that
	// clears the finished task, e.g. to stage a pending change set.
	Complete func(sess *model.Session)
	// OnPhase is called after a checkpoint passed and before the phase runs.
	OnPhase func(index int, p Phase)
}

// Outcome is how a sequence ended.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeFailed
	OutcomeStopped
	OutcomeSuperseded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeFailed:
		return "failed"
	case OutcomeStopped:
		return "stopped"
	case OutcomeSuperseded:
		return "superseded"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result reports the outcome of Run. Err is set for failures and holds the
// checkpoint error for stopped or superseded runs.
type Result struct {
	Outcome Outcome
	Err     error
	Summary string
}

// Run executes seq. The reporter always receives exactly one terminal call.
//
// A stopped task keeps its record (status stopped) for a later RESUME, EDIT or
// CANCEL. A failed task is cleared. A superseded run never touches the session.
func Run(ctx context.Context, seq Sequence, tok Checkpointer, rep Reporter) Result {
	if err := rep.Start(ctx, seq.Title); err != nil {
		log.Printf("[pipeline] %s: progress start failed: %v", seq.Title, err)
	}

	for i, p := range seq.Phases {
		if err := tok.Checkpoint(); err != nil {
			return interrupted(ctx, rep, err)
		}
		if seq.OnPhase != nil {
			seq.OnPhase(i, p)
		}
		if p.Percent == NoPercent {
			rep.Phase(p.Description)
		} else {
			rep.PhasePercent(p.Description, p.Percent)
		}
		if err := p.Run(ctx); err != nil {
			if errors.Is(err, task.ErrTaskStopped) || errors.Is(err, task.ErrTaskSuperseded) {
				return interrupted(ctx, rep, err)
			}
			return fail(ctx, tok, rep, err)
		}
	}

	summary := seq.Summary()
	if !tok.Finish(seq.Complete) {
		report(seq.Title, rep.Stopped(ctx, SupersededMessage))
		return Result{Outcome: OutcomeSuperseded, Err: task.ErrTaskSuperseded}
	}
	report(seq.Title, rep.Done(ctx, summary))
	return Result{Outcome: OutcomeDone, Summary: summary}
}

func interrupted(ctx context.Context, rep Reporter, err error) Result {
	if errors.Is(err, task.ErrTaskSuperseded) {
		report("", rep.Stopped(ctx, SupersededMessage))
		return Result{Outcome: OutcomeSuperseded, Err: err}
	}
	report("", rep.Stopped(ctx, ""))
	return Result{Outcome: OutcomeStopped, Err: err}
}

func fail(ctx context.Context, tok Checkpointer, rep Reporter, err error) Result {
	// A replaced task's slot belongs to the newer run.
	tok.Finish(nil)
	report("", rep.Fail(ctx, err))
	return Result{Outcome: OutcomeFailed, Err: err}
}

func report(title string, err error) {
	if err != nil {
		log.Printf("[pipeline] %s: final progress update failed: %v", title, err)
	}
}

// ApprovePercent is the progress shown while writing file step of total
// during an approval: 20 + floor(step/total*60).
func ApprovePercent(step, total int) int {
	if total <= 0 {
		return 20
	}
	return 20 + step*60/total
}
