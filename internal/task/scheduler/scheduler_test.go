package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cadence/internal/clock"
	"cadence/internal/eventbus"
	"cadence/internal/job"
	"cadence/internal/queue"
	"cadence/internal/schedule"
	"cadence/internal/task/backend"
	"cadence/internal/task/engine"
	"cadence/internal/worker"
	"cadence/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func def(name, cron string, tags ...string) *job.Definition {
	return &job.Definition{
		Name:         name,
		ScheduleText: cron,
		Schedule:     schedule.MustParse(cron),
		Target:       job.ShellTarget{Command: "true"},
		Tags:         tags,
		Output:       job.OutputSilent,
	}
}

// calls records the job names a routine saw.
type calls struct {
	mu    sync.Mutex
	names []string
	ch    chan string
}

func newCalls() *calls { return &calls{ch: make(chan string, 64)} }

func (c *calls) add(name string) {
	c.mu.Lock()
	c.names = append(c.names, name)
	c.mu.Unlock()
	c.ch <- name
}

func (c *calls) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, got := range c.names {
		if got == name {
			n++
		}
	}
	return n
}

func (c *calls) wait(t *testing.T, name string) {
	t.Helper()
	for {
		select {
		case got := <-c.ch:
			if got == name {
				return
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("job %q never ran", name)
		}
	}
}

func processor(t *testing.T, mode backend.Mode, routine func(ctx context.Context, a worker.JobArgs) error) *worker.Processor {
	t.Helper()
	deps := backend.Deps{Log: logx.Nop()}
	var store queue.Store
	switch mode {
	case backend.ModeAsync:
		eng := engine.New(engine.Config{Workers: 4}, logx.Nop(), nil)
		eng.Start(context.Background())
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			eng.Stop(ctx)
		})
		deps.Engine = eng
	case backend.ModeQueue:
		mem := queue.NewMemory()
		t.Cleanup(func() { mem.Close() })
		deps.Queue, store = mem, mem
	}
	be, err := backend.New(mode, deps)
	if err != nil {
		t.Fatalf("backend.New error: %v", err)
	}
	p := worker.New(worker.Config{}, be, store, logx.Nop(), nil)
	if err := worker.RegisterFunc(p, worker.JobType, routine); err != nil {
		t.Fatalf("RegisterFunc error: %v", err)
	}
	return p
}

// prime computes first fire times without starting the loop, so tests can
// drive tick directly.
func prime(s *Service, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.jobs {
		s.scheduleNextLocked(d, now)
	}
}

func TestTickTriggersOnlyDueJobs(t *testing.T) {
	t.Parallel()
	c := newCalls()
	p := processor(t, backend.ModeForeground, func(_ context.Context, a worker.JobArgs) error {
		c.add(a.Name)
		return nil
	})
	s := New(Config{Timezone: "UTC"}, []*job.Definition{
		def("every-second", "* * * * * * *"),
		def("hourly", "0 0 * * * * *"),
	}, p, clock.Fake(t0), logx.Nop(), nil)
	prime(s, t0)

	s.tick(t0.Add(time.Second))
	if c.count("every-second") != 1 || c.count("hourly") != 0 {
		t.Fatalf("after 1s: calls = %v", c.names)
	}
	s.tick(t0.Add(time.Hour))
	if c.count("every-second") != 2 || c.count("hourly") != 1 {
		t.Fatalf("after 1h: calls = %v", c.names)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %s, want idle after tick", s.State())
	}
}

func TestTickDoesNotBackfill(t *testing.T) {
	t.Parallel()
	c := newCalls()
	p := processor(t, backend.ModeForeground, func(_ context.Context, a worker.JobArgs) error {
		c.add(a.Name)
		return nil
	})
	s := New(Config{Timezone: "UTC"}, []*job.Definition{def("fast", "Run every 15 seconds")}, p, clock.Fake(t0), logx.Nop(), nil)
	prime(s, t0)

	// Four occurrences were missed; only one run happens.
	late := t0.Add(time.Minute + 5*time.Second)
	s.tick(late)
	s.tick(late)
	if n := c.count("fast"); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
	snap := s.Snapshot()
	if want := t0.Add(75 * time.Second); !snap.Jobs[0].Next.Equal(want) {
		t.Fatalf("next = %s, want %s", snap.Jobs[0].Next, want)
	}
	if !snap.Jobs[0].Prev.Equal(late) {
		t.Fatalf("prev = %s, want %s", snap.Jobs[0].Prev, late)
	}
}

func TestTriggerPublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	p := processor(t, backend.ModeForeground, func(context.Context, worker.JobArgs) error { return nil })
	s := New(Config{}, []*job.Definition{def("report", "* * * * * * *")}, p, clock.Fake(t0), logx.Nop(), bus)
	prime(s, t0)
	s.tick(t0.Add(time.Second))

	select {
	case e := <-ch:
		info, ok := e.Data.(eventbus.RunInfo)
		if e.Type != eventbus.JobTriggered || !ok || info.Job != "report" || info.RunID == "" || info.Mode != "foreground" {
			t.Fatalf("event = %s %#v", e.Type, e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no job.triggered event")
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	c := newCalls()
	p := processor(t, backend.ModeAsync, func(_ context.Context, a worker.JobArgs) error {
		c.add(a.Name)
		<-release
		return nil
	})
	s := New(Config{Overlap: OverlapSkipIfRunning}, []*job.Definition{def("slow", "* * * * * * *")}, p, clock.Fake(t0), logx.Nop(), nil)
	prime(s, t0)

	s.tick(t0.Add(time.Second))
	c.wait(t, "slow")
	s.tick(t0.Add(2 * time.Second))
	if n := len(s.Snapshot().InFlight); n != 1 {
		t.Fatalf("in flight = %d, want 1", n)
	}
	close(release)

	rep := s.Shutdown(context.Background(), 2*time.Second)
	if len(rep.Killed) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if n := c.count("slow"); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
}

func TestLoopRunsOnStartAndOnTick(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(t0)
	c := newCalls()
	p := processor(t, backend.ModeAsync, func(_ context.Context, a worker.JobArgs) error {
		c.add(a.Name)
		return nil
	})
	boot := def("boot", "0 0 0 1 1 * *")
	boot.RunOnStart = true
	s := New(Config{}, []*job.Definition{boot, def("tick", "* * * * * * *")}, p, clk, logx.Nop(), nil)

	s.Start(context.Background())
	c.wait(t, "boot")
	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	c.wait(t, "tick")

	rep := s.Shutdown(context.Background(), time.Second)
	if len(rep.Killed) != 0 {
		t.Fatalf("killed = %+v", rep.Killed)
	}
	if s.State() != StateShuttingDown {
		t.Fatalf("state = %s", s.State())
	}
	// Triggers after shutdown are refused.
	if _, err := s.trigger(boot, t0, "manual"); !errors.Is(err, errShuttingDown) {
		t.Fatalf("trigger after shutdown = %v", err)
	}
}

func TestRunStopsTriggeringWhenContextEnds(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(t0)
	release := make(chan struct{})
	c := newCalls()
	p := processor(t, backend.ModeAsync, func(_ context.Context, a worker.JobArgs) error {
		c.add(a.Name)
		<-release
		return nil
	})
	boot := def("boot", "0 0 0 1 1 * *")
	boot.RunOnStart = true
	s := New(Config{}, []*job.Definition{boot}, p, clk, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(returned)
	}()
	c.wait(t, "boot")
	cancel()
	select {
	case <-returned:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The run started before cancel is still in flight and finishes
	// normally under Shutdown.
	if n := len(s.Snapshot().InFlight); n != 1 {
		t.Fatalf("in flight after cancel = %d, want 1", n)
	}
	close(release)
	rep := s.Shutdown(context.Background(), 3*time.Second)
	if len(rep.Killed) != 0 {
		t.Fatalf("report = %+v, want nothing killed", rep)
	}
	if c.count("boot") != 1 {
		t.Fatalf("boot ran %d times", c.count("boot"))
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	c := newCalls()
	p := processor(t, backend.ModeAsync, func(_ context.Context, a worker.JobArgs) error {
		c.add(a.Name)
		<-release
		return nil
	})
	s := New(Config{}, []*job.Definition{def("a", "* * * * * * *"), def("b", "* * * * * * *")}, p, clock.Fake(t0), logx.Nop(), nil)
	prime(s, t0)
	s.tick(t0.Add(time.Second))
	c.wait(t, "a")
	c.wait(t, "b")

	done := make(chan Report, 1)
	go func() { done <- s.Shutdown(context.Background(), 5*time.Second) }()
	select {
	case rep := <-done:
		t.Fatalf("Shutdown returned early: %+v", rep)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case rep := <-done:
		if rep.Finished != 2 || len(rep.Killed) != 0 {
			t.Fatalf("report = %+v, want 2 finished", rep)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func TestShutdownKillsAfterGrace(t *testing.T) {
	t.Parallel()
	for _, mode := range []backend.Mode{backend.ModeAsync, backend.ModeForeground} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()
			clk := clock.Fake(t0)
			c := newCalls()
			p := processor(t, mode, func(ctx context.Context, a worker.JobArgs) error {
				c.add(a.Name)
				<-ctx.Done()
				return ctx.Err()
			})
			s := New(Config{}, []*job.Definition{def("stuck", "* * * * * * *")}, p, clk, logx.Nop(), nil)

			s.Start(context.Background())
			clk.WaitForTimers(1)
			clk.Advance(time.Second)
			c.wait(t, "stuck")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			rep := s.Shutdown(ctx, 50*time.Millisecond)
			if len(rep.Killed) != 1 || rep.Killed[0].Job != "stuck" || rep.Killed[0].State != backend.StateKilled {
				t.Fatalf("report = %+v, want stuck killed", rep)
			}
			if rep.Finished != 0 {
				t.Fatalf("finished = %d", rep.Finished)
			}
			if n := len(s.Snapshot().InFlight); n != 0 {
				t.Fatalf("in flight after shutdown = %d", n)
			}
		})
	}
}

func TestRunNow(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	p := processor(t, backend.ModeAsync, func(_ context.Context, a worker.JobArgs) error {
		if a.Name == "bad" {
			return boom
		}
		return nil
	})
	s := New(Config{}, nil, p, clock.Fake(t0), logx.Nop(), nil)

	out, err := s.RunNow(context.Background(), def("good", "* * * * * * *"), def("bad", "* * * * * * *"))
	if len(out) != 2 {
		t.Fatalf("outcomes = %+v", out)
	}
	if out[0].State != backend.StateSucceeded || out[1].State != backend.StateFailed {
		t.Fatalf("states = %s, %s", out[0].State, out[1].State)
	}
	if !errors.Is(err, backend.ErrJobExecutionFailed) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrJobExecutionFailed wrapping boom", err)
	}
}

func TestQueueModeDoesNotWait(t *testing.T) {
	t.Parallel()
	p := processor(t, backend.ModeQueue, func(context.Context, worker.JobArgs) error { return nil })
	s := New(Config{}, []*job.Definition{def("nightly", "* * * * * * *")}, p, clock.Fake(t0), logx.Nop(), nil)

	out, err := s.RunNow(context.Background(), s.jobs...)
	if err != nil || len(out) != 1 || out[0].State != backend.StateEnqueued {
		t.Fatalf("RunNow = %+v, %v", out, err)
	}
	prime(s, t0)
	s.tick(t0.Add(time.Second))
	if n := len(s.Snapshot().InFlight); n != 0 {
		t.Fatalf("queued runs tracked: %d", n)
	}
	rep := s.Shutdown(context.Background(), time.Second)
	if len(rep.Killed) != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestParseOverlap(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]OverlapPolicy{"": OverlapAllow, "SKIP": OverlapSkipIfRunning, "allow": OverlapAllow} {
		got, err := ParseOverlap(in)
		if err != nil || got != want {
			t.Fatalf("ParseOverlap(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseOverlap("queue"); err == nil {
		t.Fatal("expected error")
	}
}
