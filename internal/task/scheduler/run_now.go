package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cadence/internal/job"
	"cadence/internal/task/backend"
)

// RunNow triggers each job once, ignoring schedules, and waits for every
// run to reach a terminal state. Queued runs count as done once enqueued.
// The returned error joins every failed or killed run.
func (s *Service) RunNow(ctx context.Context, defs ...*job.Definition) ([]RunOutcome, error) {
	type started struct {
		def *job.Definition
		tr  *tracked
		err error
	}
	runs := make([]started, 0, len(defs))
	for _, d := range defs {
		tr, err := s.trigger(d, s.now(), "manual")
		runs = append(runs, started{def: d, tr: tr, err: err})
	}

	out := make([]RunOutcome, 0, len(runs))
	var errs []error
	for _, r := range runs {
		o := RunOutcome{Job: r.def.Name, State: backend.StateFailed, Err: r.err}
		var h *backend.Handle
		if r.tr != nil {
			o.RunID, o.Started = r.tr.runID, r.tr.started
			s.mu.Lock()
			h = r.tr.handle
			s.mu.Unlock()
		}
		if h != nil {
			st, err := h.Wait(ctx)
			if !st.Terminal() {
				return out, fmt.Errorf("waiting for %s: %w", r.def.Name, err)
			}
			o.State, o.Err = st, h.Err()
			o.Duration = time.Since(h.Started())
		}
		if o.State == backend.StateFailed || o.State == backend.StateKilled {
			if o.Err == nil {
				o.Err = errors.New(o.State.String())
			}
			errs = append(errs, fmt.Errorf("job %q: %w", o.Job, o.Err))
		}
		out = append(out, o)
	}
	return out, errors.Join(errs...)
}
