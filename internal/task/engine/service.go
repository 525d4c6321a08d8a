package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cadence/internal/eventbus"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a fixed-size worker pool fed by a bounded queue.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan *queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// Cancellation by task ID, for queued and running tasks.
	cmu     sync.Mutex
	cancels map[string]context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	// ctx is cancelled by Service.Cancel.
	ctx    context.Context
	cancel context.CancelFunc

	doneOnce sync.Once
}

func (qt *queuedTask) finish(r Result) {
	qt.doneOnce.Do(func() {
		qt.cancel()
		if qt.task.OnDone != nil {
			qt.task.OnDone(r)
		}
	})
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "engine")),
		bus:     bus,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		// Already running, or stopping.
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan *queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	stopCh, queue := s.stopCh, s.q
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop cancels running tasks and waits for the workers to exit. Tasks still
// queued finish with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		_ = sup.Wait(context.Background())
		for {
			select {
			case qt := <-queue:
				qt.finish(Result{ID: qt.task.ID, Name: qt.task.Name, Err: ErrStopped})
				s.forget(qt.task.ID)
				continue
			default:
			}
			break
		}
		s.mu.Lock()
		s.q, s.sup, s.stopCh, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue hands a task to the pool without blocking.
func (s *Service) Enqueue(t Task) (string, error) {
	if t.Run == nil {
		return "", errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return "", errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// The queue push happens under mu so Stop's drain never misses a task.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil {
		cancel()
		return "", ErrStopped
	}
	if s.stopDone != nil {
		cancel()
		return "", ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	qt := &queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(s.cfg), ctx: ctx, cancel: cancel}

	s.cmu.Lock()
	s.cancels[t.ID] = cancel
	s.cmu.Unlock()

	select {
	case s.q <- qt:
		return t.ID, nil
	default:
		s.forget(t.ID)
		cancel()
		s.onQueueFullDropped(now, t, len(s.q), cap(s.q))
		return "", ErrQueueFull
	}
}

// Cancel interrupts a queued or running task. It reports whether the task
// was known.
func (s *Service) Cancel(id string) bool {
	s.cmu.Lock()
	cancel, ok := s.cancels[id]
	s.cmu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Service) forget(id string) {
	s.cmu.Lock()
	delete(s.cancels, id)
	s.cmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, running := s.cfg, s.q, s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) newTaskID(now time.Time) string {
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, qlen, qcap int) {
	s.dropped.Add(1)
	s.droppedQueueFull.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.EngineDropped, Time: now, Data: HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"}})
	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", qlen),
			logx.Int("queue_cap", qcap),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}
