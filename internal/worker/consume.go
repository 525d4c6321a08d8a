package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/queue"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/task/engine"
	"cadence/pkg/logx"
)

// Consume runs the queue receive loop until ctx ends: Concurrency consumers
// plus a reaper for stale locks. On cancellation each consumer stops
// dequeuing, finishes its current message (bounded by ShutdownGrace) and
// returns.
func (p *Processor) Consume(ctx context.Context) error {
	if p.store == nil {
		return ErrNoQueue
	}
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false))
	for i := 0; i < p.cfg.Concurrency; i++ {
		sup.GoRestart(fmt.Sprintf("consumer.%d", i), p.consumeLoop, rtsup.WithPublishFirstError(true))
	}
	sup.GoRestart("reaper", p.reapLoop, rtsup.WithPublishFirstError(true))

	p.log.Info("worker consuming",
		logx.Int("concurrency", p.cfg.Concurrency),
		logx.Strings("tags", p.cfg.Tags),
		logx.Strings("types", p.Types()),
	)
	<-ctx.Done()
	// Consumers may still be finishing a message; allow them the grace
	// period plus a little for the final ack.
	wctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("worker stopped", logx.Err(err))
		return err
	}
	p.log.Info("worker stopped")
	return nil
}

func (p *Processor) consumeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		m, err := p.store.Dequeue(ctx, p.cfg.Tags)
		switch {
		case err == nil:
			p.handle(ctx, m)
			continue
		case errors.Is(err, queue.ErrEmpty):
		case ctx.Err() != nil:
			return nil
		default:
			p.log.Warn("dequeue failed", logx.Err(err))
		}
		t := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (p *Processor) reapLoop(ctx context.Context) error {
	t := time.NewTicker(max(p.cfg.StaleAfter/2, time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := p.store.RequeueStale(ctx, p.cfg.StaleAfter)
			if err != nil {
				p.log.Warn("requeue stale failed", logx.Err(err))
				continue
			}
			if n > 0 {
				p.log.Warn("requeued stale messages", logx.Int("count", n), logx.Duration("stale_after", p.cfg.StaleAfter))
				p.bus.Publish(eventbus.Event{Type: eventbus.QueueReaped, Data: n})
			}
		}
	}
}

// ProcessOne dequeues and handles a single message. It returns
// queue.ErrEmpty when nothing was ready.
func (p *Processor) ProcessOne(ctx context.Context) error {
	if p.store == nil {
		return ErrNoQueue
	}
	m, err := p.store.Dequeue(ctx, p.cfg.Tags)
	if err != nil {
		return err
	}
	p.handle(ctx, m)
	return nil
}

func (p *Processor) handle(ctx context.Context, m *queue.Message) {
	log := p.log.With(logx.String("type", m.Type), logx.String("id", m.ID), logx.Int("attempt", m.Attempts))

	// The message runs to completion even if ctx ends, up to ShutdownGrace.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(p.cfg.ShutdownGrace)
		defer t.Stop()
		select {
		case <-runCtx.Done():
		case <-t.C:
			log.Warn("shutdown grace elapsed, cancelling message")
			cancel()
		}
	})
	defer stop()

	start := time.Now()
	err := p.perform(runCtx, m)
	// Settle with a fresh context so the ack survives shutdown.
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer scancel()

	switch {
	case err == nil:
		if aerr := p.store.Ack(sctx, m.ID); aerr != nil {
			log.Error("ack failed", logx.Err(aerr))
		}
		log.Debug("message completed", logx.Duration("dur", time.Since(start)))
	case engine.IsNoRetry(err) || (errors.Is(err, ErrUnknownWorkerType) && p.cfg.UnknownTypePolicy == UnknownReject) || m.Attempts >= m.MaxAttempts:
		p.reject(sctx, m, err, log)
	default:
		delay := engine.RetryDelay(engine.TaskOptions{
			RetryBase:     p.cfg.RetryBase,
			RetryMaxDelay: p.cfg.RetryMaxDelay,
			RetryJitter:   0.2,
		}, m.Attempts, err, rand.Float64)
		if rerr := p.store.Retry(sctx, m.ID, time.Now().Add(delay), err.Error()); rerr != nil {
			log.Error("retry failed", logx.Err(rerr))
			return
		}
		log.Warn("message failed, will retry", logx.Err(err), logx.Duration("delay", delay), logx.Int("max_attempts", m.MaxAttempts))
	}
}

func (p *Processor) perform(ctx context.Context, m *queue.Message) (err error) {
	r, ok := p.lookup(m.Type)
	if !ok {
		p.log.Error("unknown worker type", logx.String("type", m.Type), logx.String("id", m.ID), logx.String("policy", string(p.cfg.UnknownTypePolicy)))
		return fmt.Errorf("%w: %q", ErrUnknownWorkerType, m.Type)
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("routine panicked", logx.String("type", m.Type), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.Perform(ctx, m.Args)
}

func (p *Processor) reject(ctx context.Context, m *queue.Message, cause error, log logx.Logger) {
	if err := p.store.Fail(ctx, m.ID, cause.Error()); err != nil {
		log.Error("reject failed", logx.Err(err))
		return
	}
	log.Error("message rejected", logx.Err(cause), logx.Int("max_attempts", m.MaxAttempts))
	p.bus.Publish(eventbus.Event{Type: eventbus.QueueRejected, Data: eventbus.QueueRejection{ID: m.ID, Type: m.Type, Attempts: m.Attempts, Error: cause.Error()}})
}

// CancelByType cancels every queued message of a worker type.
func (p *Processor) CancelByType(ctx context.Context, typ string) (int, error) {
	if p.store == nil {
		return 0, ErrNoQueue
	}
	return p.store.CancelByType(ctx, typ)
}

// Tidy purges finished messages older than age.
func (p *Processor) Tidy(ctx context.Context, age time.Duration) (int, error) {
	if p.store == nil {
		return 0, ErrNoQueue
	}
	return p.store.Tidy(ctx, age)
}

func (p *Processor) Stats(ctx context.Context) (queue.Stats, error) {
	if p.store == nil {
		return queue.Stats{}, ErrNoQueue
	}
	return p.store.Stats(ctx)
}
