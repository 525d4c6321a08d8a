package backend

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"cadence/pkg/logx"
)

// Foreground runs units inline; Dispatch returns after the unit finished.
// Cancelling ctx is how a foreground run gets killed.
type Foreground struct {
	log logx.Logger
}

func (*Foreground) Mode() Mode { return ModeForeground }

func (f *Foreground) Dispatch(ctx context.Context, u Unit) (*Handle, error) {
	h := newHandle(u, ModeForeground)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.setRunning(cancel)

	err := runGuarded(runCtx, u.Run)
	switch {
	case err == nil:
		h.finish(StateSucceeded, nil)
		f.log.Debug("unit succeeded", logx.String("type", u.Type), logx.String("id", u.ID), logx.Duration("dur", time.Since(h.started)))
		return h, nil
	case runCtx.Err() != nil:
		err = fmt.Errorf("killed: %w", err)
		h.finish(StateKilled, err)
		return h, err
	default:
		err = failed(err)
		h.finish(StateFailed, err)
		return h, err
	}
}

func runGuarded(ctx context.Context, run func(context.Context) error) (err error) {
	if run == nil {
		return fmt.Errorf("unit has no Run func")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return run(ctx)
}
