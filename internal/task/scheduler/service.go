package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cadence/internal/clock"
	"cadence/internal/eventbus"
	"cadence/internal/job"
	"cadence/internal/task/backend"
	"cadence/internal/worker"
	"cadence/pkg/logx"
)

// tracked is one triggered run the dispatcher still holds a handle to.
type tracked struct {
	job     string
	runID   string
	started time.Time
	// handle is nil while a foreground dispatch is still inside PerformLater.
	handle *backend.Handle
	cancel context.CancelFunc
	killed bool
}

type Service struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	clk  clock.Clock
	loc  *time.Location
	perf Performer
	jobs []*job.Definition

	mu       sync.Mutex
	state    State
	started  bool
	next     map[string]time.Time
	prev     map[string]time.Time
	inflight map[string]*tracked
	changed  chan struct{}
	finished int

	// Every run context derives from baseCtx, so runs outlive the caller of
	// Start and are only cancelled by Shutdown.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}

	// Dispatch error throttling: key is job name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

// New builds a dispatcher over the active job set. jobs is not copied and
// must not change afterwards.
func New(cfg Config, jobs []*job.Definition, perf Performer, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "dispatcher")),
		bus:      bus,
		clk:      clk,
		perf:     perf,
		jobs:     jobs,
		next:     map[string]time.Time{},
		prev:     map[string]time.Time{},
		inflight: map[string]*tracked{},
		changed:  make(chan struct{}),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
		lastWarn: map[string]time.Time{},
	}
	s.loc = s.loadLocation()
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	return s
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) now() time.Time { return s.clk.Now().In(s.loc) }

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the loop in its own goroutine. See Run.
func (s *Service) Start(ctx context.Context) {
	now, ok := s.begin()
	if !ok {
		return
	}
	go s.loop(ctx, now)
}

// Run computes every job's first fire time from now and ticks until ctx
// ends or Shutdown is called. Jobs flagged run_on_start trigger
// immediately. Runs are bound to Shutdown, not to ctx: ending ctx only
// stops triggering.
func (s *Service) Run(ctx context.Context) {
	now, ok := s.begin()
	if !ok {
		return
	}
	s.loop(ctx, now)
}

func (s *Service) begin() (time.Time, bool) {
	s.mu.Lock()
	if s.started || s.state == StateShuttingDown {
		s.mu.Unlock()
		return time.Time{}, false
	}
	s.started = true
	now := s.now()
	for _, d := range s.jobs {
		s.scheduleNextLocked(d, now)
	}
	s.mu.Unlock()

	s.log.Info("dispatcher started",
		logx.Int("jobs", len(s.jobs)),
		logx.String("tz", s.loc.String()),
		logx.String("mode", string(s.perf.Mode())),
		logx.Duration("tick", s.cfg.Tick),
	)
	return now, true
}

func (s *Service) loop(ctx context.Context, start time.Time) {
	defer close(s.loopDone)
	t := s.clk.NewTicker(s.cfg.Tick)
	defer t.Stop()

	for _, d := range s.jobs {
		if d.RunOnStart {
			_, _ = s.trigger(d, start, "run_on_start")
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-t.C:
			s.tick(s.now())
		}
	}
}

// tick triggers at most one run per due job. The next fire time is taken
// after now, so occurrences missed while the loop was blocked are skipped.
func (s *Service) tick(now time.Time) {
	s.mu.Lock()
	if s.state == StateShuttingDown {
		s.mu.Unlock()
		return
	}
	s.state = StateTicking
	var due []*job.Definition
	for _, d := range s.jobs {
		n, ok := s.next[d.Name]
		if !ok || n.After(now) {
			continue
		}
		due = append(due, d)
		s.prev[d.Name] = now
		s.scheduleNextLocked(d, now)
	}
	s.mu.Unlock()

	for _, d := range due {
		if _, err := s.trigger(d, now, "schedule"); errors.Is(err, errShuttingDown) {
			break
		}
	}

	s.mu.Lock()
	if s.state == StateTicking {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

func (s *Service) scheduleNextLocked(d *job.Definition, from time.Time) {
	n, err := d.Schedule.NextAfter(from)
	if err != nil {
		// The job drops out of the active set.
		s.log.Warn("job has no upcoming occurrence", logx.String("job", d.Name), logx.String("cron", d.ScheduleText), logx.Err(err))
		delete(s.next, d.Name)
		return
	}
	s.next[d.Name] = n
}

// trigger dispatches one run of d and tracks its handle until it is
// terminal. Under the foreground backend this blocks until the run ends.
func (s *Service) trigger(d *job.Definition, due time.Time, reason string) (*tracked, error) {
	log := s.log.With(logx.String("job", d.Name))
	if reason == "schedule" && s.cfg.Overlap == OverlapSkipIfRunning && s.running(d.Name) {
		log.Debug("trigger skipped, previous run in flight")
		s.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Data: eventbus.RunInfo{Job: d.Name, Target: d.Target.String(), At: due}})
		return nil, errSkipped
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	tr := &tracked{job: d.Name, runID: uuid.NewString(), started: s.clk.Now(), cancel: cancel}
	if !s.track(tr) {
		cancel()
		return nil, errShuttingDown
	}

	mode := s.perf.Mode()
	log = log.With(logx.String("run_id", tr.runID))
	log.Info("job triggered", logx.String("reason", reason), logx.String("mode", string(mode)))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobTriggered, Data: eventbus.RunInfo{
		Job:    d.Name,
		RunID:  tr.runID,
		Target: d.Target.String(),
		Mode:   string(mode),
		At:     due,
	}})

	opts := []worker.PerformOption{worker.WithTag(s.cfg.Tag)}
	if s.cfg.MaxAttempts > 0 {
		opts = append(opts, worker.WithMaxAttempts(s.cfg.MaxAttempts))
	}
	h, err := s.perf.PerformLater(runCtx, worker.JobType, worker.JobArgs{Name: d.Name, RunID: tr.runID, Due: due}, opts...)
	if h == nil {
		s.untrack(tr, false)
		s.reportDispatchError(d.Name, err)
		return tr, err
	}

	s.mu.Lock()
	tr.handle = h
	s.mu.Unlock()
	if h.State().Terminal() {
		s.settle(tr, h)
	} else {
		go func() {
			<-h.Done()
			s.settle(tr, h)
		}()
	}
	return tr, err
}

func (s *Service) track(tr *tracked) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateShuttingDown {
		return false
	}
	s.inflight[tr.runID] = tr
	return true
}

func (s *Service) untrack(tr *tracked, finished bool) {
	s.mu.Lock()
	if _, ok := s.inflight[tr.runID]; ok {
		delete(s.inflight, tr.runID)
		if finished && !tr.killed {
			s.finished++
		}
		close(s.changed)
		s.changed = make(chan struct{})
	}
	s.mu.Unlock()
	tr.cancel()
}

func (s *Service) settle(tr *tracked, h *backend.Handle) {
	s.untrack(tr, true)
	st := h.State()
	log := s.log.With(logx.String("job", tr.job), logx.String("run_id", tr.runID), logx.String("state", st.String()))
	switch st {
	case backend.StateSucceeded, backend.StateEnqueued:
		log.Debug("run settled", logx.Duration("dur", time.Since(h.Started())))
	case backend.StateKilled:
		log.Warn("run killed", logx.Err(h.Err()))
	default:
		log.Warn("run settled", logx.Duration("dur", time.Since(h.Started())), logx.Err(h.Err()))
	}
}

func (s *Service) running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.inflight {
		if tr.job == name {
			return true
		}
	}
	return false
}

// Stop shuts down with the configured grace period.
func (s *Service) Stop(ctx context.Context) {
	s.Shutdown(ctx, s.cfg.GracePeriod)
}

// Shutdown stops triggering, waits up to grace for tracked runs and kills
// whatever is left. Queued runs are handed off and never waited on. ctx
// bounds the whole call, including the wait for killed runs to exit.
func (s *Service) Shutdown(ctx context.Context, grace time.Duration) Report {
	start := time.Now()
	s.mu.Lock()
	s.state = StateShuttingDown
	n := len(s.inflight)
	finishedBefore := s.finished
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.log.Info("dispatcher shutting down", logx.Int("in_flight", n), logx.Duration("grace", grace))

	gctx, cancel := context.WithTimeout(ctx, grace)
	s.waitIdle(gctx)
	cancel()

	var rep Report
	s.mu.Lock()
	rep.Finished = s.finished - finishedBefore
	victims := make([]*tracked, 0, len(s.inflight))
	for _, tr := range s.inflight {
		tr.killed = true
		victims = append(victims, tr)
	}
	s.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool { return victims[i].started.Before(victims[j].started) })
	for _, tr := range victims {
		s.mu.Lock()
		h := tr.handle
		s.mu.Unlock()
		tr.cancel()
		if h != nil {
			h.Kill()
		}
		rep.Killed = append(rep.Killed, RunOutcome{
			Job:      tr.job,
			RunID:    tr.runID,
			State:    backend.StateKilled,
			Started:  tr.started,
			Duration: s.clk.Now().Sub(tr.started),
		})
		s.log.Warn("run outlived grace period, killing", logx.String("job", tr.job), logx.String("run_id", tr.runID))
	}
	if len(victims) > 0 && !s.waitIdle(ctx) {
		s.log.Error("killed runs did not exit", logx.Err(ctx.Err()))
	}
	s.baseCancel()

	rep.Took = time.Since(start)
	s.log.Info("dispatcher stopped",
		logx.Int("finished", rep.Finished),
		logx.Int("killed", len(rep.Killed)),
		logx.Duration("took", rep.Took),
	)
	return rep
}

// waitIdle blocks until the loop exited and nothing is tracked.
func (s *Service) waitIdle(ctx context.Context) bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		select {
		case <-s.loopDone:
		case <-ctx.Done():
			return false
		}
	}
	for {
		s.mu.Lock()
		n, ch := len(s.inflight), s.changed
		s.mu.Unlock()
		if n == 0 {
			return true
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}
