package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cadence/pkg/logx"
	"cadence/pkg/sdnotify"
)

// Stop shuts everything down in dependency order: dispatcher (with its
// grace period), supervised loops, engine, notifier, queue. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil && a.sched == nil && a.engine == nil && a.store == nil {
		// list and task modes start nothing
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping")
	_, _ = sdnotify.Stopping()

	if a.sched != nil {
		scfg, _ := mapSchedulerConfig(a.cfg)
		grace := scfg.GracePeriod
		if grace <= 0 {
			grace = 30 * time.Second
		}
		// Killed runs get the runner's TERM-to-KILL window on top.
		a.step(ctx, "dispatcher", grace+5*time.Second, func(c context.Context) error {
			rep := a.sched.Shutdown(c, grace)
			a.shutdown = rep
			for _, k := range rep.Killed {
				a.log.Warn("run killed at shutdown", logx.String("job", k.Job), logx.String("run_id", k.RunID), logx.Duration("ran", k.Duration))
			}
			return nil
		})
	}
	// The dispatcher loop runs under the supervisor and returns once
	// Shutdown closed it. The reload loop rebuilds the notifier, so it must
	// be gone before the notify step runs.
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		if a.sup != nil {
			return ignoreCanceled(a.sup.Stop(c))
		}
		return nil
	})
	a.step(ctx, "engine", 5*time.Second, func(c context.Context) error {
		if a.engine != nil {
			a.engine.Stop(c)
		}
		return nil
	})
	a.step(ctx, "diag", 2*time.Second, func(c context.Context) error {
		if a.diag != nil {
			return ignoreCanceled(a.diag.Stop(c))
		}
		return nil
	})
	a.step(ctx, "notify", 3*time.Second, func(c context.Context) error {
		if a.notif != nil {
			return a.notif.Stop(c)
		}
		return nil
	})
	a.step(ctx, "queue", 2*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with an upper bound that never extends ctx's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; log a leak signal if it does not.
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
