package patch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/pdpatch/observability"
	"github.com/hazyhaar/pdpatch/plan"
)

// World is the execution context a patch runs in.
type World int

const (
	// WorldIsolated runs in an isolated script context sharing the DOM but
	// not the page's globals.
	WorldIsolated World = iota
	// WorldMain runs in the page's own context.
	WorldMain
)

func (w World) String() string {
	switch w {
	case WorldIsolated:
		return "isolated"
	case WorldMain:
		return "main"
	default:
		return fmt.Sprintf("world(%d)", int(w))
	}
}

// Applier executes a patch against a tab in a given world.
type Applier interface {
	Apply(ctx context.Context, tabID string, world World, steps []plan.Step) (*plan.Summary, error)
}

// Retry defaults.
const (
	DefaultRetryDelay  = 900 * time.Millisecond
	DefaultMaxAttempts = 3
)

// schedule is the world used by each attempt.
var schedule = [DefaultMaxAttempts]World{WorldIsolated, WorldIsolated, WorldMain}

// Runner applies whole patches with a bounded retry: when a non-empty patch
// applies zero steps it is re-run once after Delay in the isolated world,
// then once in the main world. Steps are never retried individually.
type Runner struct {
	Applier     Applier
	Delay       time.Duration
	MaxAttempts int
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Attempt records one run of the patch.
type Attempt struct {
	World   World  `json:"world"`
	Applied int    `json:"applied"`
	Err     string `json:"error,omitempty"`
}

// Outcome is the final summary and the attempts that produced it.
type Outcome struct {
	Summary  *plan.Summary `json:"summary"`
	Attempts []Attempt     `json:"attempts"`
}

// Run applies steps to tabID. The returned error is non-nil only when every
// attempt failed to execute; a summary with zero applied steps is not an
// error.
func (r *Runner) Run(ctx context.Context, tabID string, steps []plan.Step) (*Outcome, error) {
	log := r.logger()
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > DefaultMaxAttempts {
		maxAttempts = DefaultMaxAttempts
	}

	out := &Outcome{}
	var lastErr error
	for i := range maxAttempts {
		world := schedule[i]
		if i == 1 {
			if err := sleep(ctx, r.Delay); err != nil {
				return r.finish(out, err)
			}
		}

		sum, err := r.Applier.Apply(ctx, tabID, world, steps)
		att := Attempt{World: world}
		if err != nil {
			att.Err = err.Error()
			lastErr = err
			log.Warn("patch: attempt failed", "tab", tabID, "attempt", i+1, "world", world, "error", err)
		} else {
			att.Applied = sum.StepsApplied
			out.Summary = sum
			lastErr = nil
		}
		out.Attempts = append(out.Attempts, att)
		r.Metrics.ApplyAttempt(world.String(), att.Applied)

		if len(steps) == 0 || sum.HasApplied() {
			break
		}
		if err := ctx.Err(); err != nil {
			return r.finish(out, err)
		}
		log.Debug("patch: nothing applied, retrying", "tab", tabID, "attempt", i+1, "world", world)
	}
	if out.Summary == nil {
		return r.finish(out, fmt.Errorf("patch: apply %s: %w", tabID, lastErr))
	}
	return r.finish(out, nil)
}

func (r *Runner) finish(out *Outcome, err error) (*Outcome, error) {
	if out.Summary != nil {
		for _, res := range out.Summary.Results {
			r.Metrics.StepOutcome(string(res.Status), res.Note == NoteDenied)
			if res.Note == NoteDenied {
				// The rejected value is never logged.
				r.logger().Debug("patch: value denied by policy", "index", res.Index, "selector", res.Selector)
			}
		}
	}
	return out, err
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
