package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"cadence/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan *queuedTask, idx int) {
	// Per-worker RNG so concurrent retries don't contend on the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt *queuedTask, rng *rand.Rand) {
	defer s.forget(qt.task.ID)

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	res := Result{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}

	if qt.ctx.Err() != nil {
		res.Err = ErrCancelled
		s.complete(qt, res)
		return
	}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.dropped.Add(1)
		s.droppedStale.Add(1)
		s.log.Warn("task dropped: stale queue", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay))
		res.Err = ErrStale
		s.complete(qt, res)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay))

	// Runs see both engine shutdown and per-task Cancel.
	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()
	stopAfter := context.AfterFunc(qt.ctx, cancelTask)
	defer stopAfter()

	maxAttempts := 1 + qt.opt.RetryMax
	var err error
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		err = s.runAttempt(taskCtx, qt)
		if err == nil || taskCtx.Err() != nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := RetryDelay(qt.opt, attempt, err, rng.Float64)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-taskCtx.Done():
			tmr.Stop()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
			break attemptLoop
		case <-tmr.C:
		}
	}

	switch {
	case qt.ctx.Err() != nil:
		err = ErrCancelled
	case ctx.Err() != nil && err != nil:
		err = fmt.Errorf("%w: %w", ErrStopped, err)
	}
	res.Err = err
	res.Duration = time.Since(start)

	if err != nil {
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Err(err), logx.Duration("dur", res.Duration), logx.Int("attempts", res.Attempts))
	} else if res.Duration >= 750*time.Millisecond {
		s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", res.Duration), logx.Int("attempts", res.Attempts))
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", res.Duration), logx.Int("attempts", res.Attempts))
	}
	s.complete(qt, res)
}

func (s *Service) runAttempt(ctx context.Context, qt *queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

func (s *Service) complete(qt *queuedTask, res Result) {
	item := HistoryItem{ID: res.ID, Name: res.Name, Started: res.Started, QueueDelay: res.QueueDelay, Duration: res.Duration, Attempts: res.Attempts}
	if res.Err != nil {
		item.Error = res.Err.Error()
	}
	s.record(item)
	qt.finish(res)
}
