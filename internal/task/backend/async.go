package backend

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"cadence/internal/task/engine"
	"cadence/pkg/logx"
)

// Async hands units to the in-process engine pool. Work in flight is lost
// if the process dies.
type Async struct {
	engine *engine.Service
	log    logx.Logger
}

func (*Async) Mode() Mode { return ModeAsync }

func (a *Async) Dispatch(_ context.Context, u Unit) (*Handle, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	h := newHandle(u, ModeAsync)
	h.kill = func() { a.engine.Cancel(u.ID) }
	run := u.Run
	id, err := a.engine.Enqueue(engine.Task{
		ID:   u.ID,
		Name: u.Type,
		Run: func(ctx context.Context) error {
			h.setRunning(nil)
			return run(ctx)
		},
		// Routines own their retry policy; the pool runs each unit once.
		Opt: engine.TaskOptions{RetryMax: -1},
		OnDone: func(r engine.Result) {
			switch {
			case r.Err == nil:
				h.finish(StateSucceeded, nil)
			case errors.Is(r.Err, engine.ErrCancelled), errors.Is(r.Err, engine.ErrStopped):
				h.finish(StateKilled, r.Err)
			default:
				h.finish(StateFailed, failed(r.Err))
			}
		},
	})
	if err != nil {
		return nil, err
	}
	a.log.Debug("unit submitted", logx.String("type", u.Type), logx.String("id", id))
	return h, nil
}
