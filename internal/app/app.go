// Package app wires the configured components together and implements the
// command-line run modes: list, run once, dispatcher loop, worker, task and
// queue management.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"cadence/internal/clock"
	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/job"
	"cadence/internal/notify"
	"cadence/internal/observability/diag"
	"cadence/internal/queue"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/schedule"
	"cadence/internal/task/backend"
	"cadence/internal/task/engine"
	"cadence/internal/task/runner"
	"cadence/internal/task/scheduler"
	"cadence/internal/task/tasks"
	"cadence/internal/worker"
	"cadence/pkg/logx"
	"cadence/pkg/sdnotify"
)

var (
	ErrNoJobs     = errors.New("no jobs matched")
	ErrNeedsQueue = errors.New("a queue section is required")
)

type Options struct {
	ConfigPath string
	// ConfigOptional runs with defaults when ConfigPath does not exist. Set
	// when the path was not given explicitly.
	ConfigOptional bool
	// JobsPath overrides scheduler.jobs_file.
	JobsPath string
	// Mode overrides execution.mode.
	Mode string
	// Stdout receives list and queue output. Default os.Stdout.
	Stdout io.Writer
}

type App struct {
	opts     Options
	cfgm     *config.ConfigManager
	cfg      *config.Config
	watching bool

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus
	out  io.Writer

	tasks  *tasks.Registry
	runner *runner.Runner

	// Set by open.
	mode   backend.Mode
	jobs   *job.Registry
	engine *engine.Service
	store  queue.Store
	proc   *worker.Processor
	sched  *scheduler.Service
	// shutdown is the dispatcher's report from the last Stop.
	shutdown scheduler.Report

	nmu         sync.Mutex // guards notif for the /status reader
	notif       *notify.Service
	notifyToken string
	diag        *diag.Service

	sup *rtsup.Supervisor
}

// New loads and validates the config and sets up logging. Nothing runs
// until a mode method is called.
func New(opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	watching := true
	if err != nil {
		if !opts.ConfigOptional || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg, watching = &config.Config{}, false
		cfgm.Commit(cfg)
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	if !watching {
		log.Debug("config file not found; using defaults", logx.String("path", opts.ConfigPath))
	}

	rcfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := tasks.NewRegistry()
	if err := tasks.RegisterBuiltins(reg); err != nil {
		return nil, err
	}

	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	return &App{
		opts:     opts,
		cfgm:     cfgm,
		cfg:      cfg,
		watching: watching,
		logs:     logs,
		log:      log.With(logx.String("comp", "app")),
		bus:      eventbus.New(),
		out:      out,
		tasks:    reg,
		runner:   runner.New(rcfg, log),
	}, nil
}

// Tasks exposes the task registry so binaries can add their own tasks
// before running a mode.
func (a *App) Tasks() *tasks.Registry { return a.tasks }

// List prints every job with its next three fire times. It never executes
// anything.
func (a *App) List() error {
	reg, err := loadJobs(a.cfg, a.cfgm.Path(), a.opts.JobsPath)
	if err != nil {
		return err
	}
	scfg, err := mapSchedulerConfig(a.cfg)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(scfg.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return err
		}
	}
	now := time.Now().In(loc)
	for _, d := range reg.All() {
		fmt.Fprintf(a.out, "%s\t%s\t%s: %s", d.Name, d.ScheduleText, d.Target.Kind(), d.Target)
		if len(d.Tags) > 0 {
			fmt.Fprintf(a.out, "\ttags=%s", strings.Join(d.Tags, ","))
		}
		fmt.Fprintln(a.out)
		next := schedule.Preview(d.Schedule, now, 3)
		if len(next) == 0 {
			fmt.Fprintln(a.out, "\tnext: none")
		}
		for _, t := range next {
			fmt.Fprintf(a.out, "\tnext: %s\n", t.Format(time.RFC3339))
		}
	}
	return nil
}

// RunOnce triggers the named job, or every job carrying tag, and waits for
// the runs to finish. Queued runs count as done once enqueued.
func (a *App) RunOnce(ctx context.Context, name, tag string) error {
	if err := a.open(ctx, a.opts.Mode); err != nil {
		return err
	}
	var defs []*job.Definition
	switch {
	case name != "":
		d, err := a.jobs.ByName(name)
		if err != nil {
			return err
		}
		defs = append(defs, d)
	case tag != "":
		if defs = a.jobs.ByTag(tag); len(defs) == 0 {
			return fmt.Errorf("%w: no job has tag %q", ErrNoJobs, tag)
		}
	default:
		return errors.New("run once needs a job name or a tag")
	}
	a.startSupervisor(ctx)
	a.startNotify(a.sup.Context(), a.cfg)

	outcomes, err := a.sched.RunNow(ctx, defs...)
	for _, o := range outcomes {
		fields := []logx.Field{
			logx.String("job", o.Job),
			logx.String("run_id", o.RunID),
			logx.String("state", o.State.String()),
			logx.Duration("dur", o.Duration),
		}
		if o.Err != nil {
			a.log.Warn("run finished", append(fields, logx.Err(o.Err))...)
			continue
		}
		a.log.Info("run finished", fields...)
	}
	return err
}

// Loop runs the dispatcher until ctx ends or a supervised component fails.
// Call Stop afterwards.
func (a *App) Loop(ctx context.Context) error {
	if err := a.open(ctx, a.opts.Mode); err != nil {
		return err
	}
	a.startSupervisor(ctx)
	a.startNotify(a.sup.Context(), a.cfg)
	a.startReload()
	a.startDiag()
	a.sup.Go0("dispatcher", a.sched.Run)
	a.ready(fmt.Sprintf("dispatching %d jobs (%s)", a.jobs.Len(), a.mode))

	<-a.sup.Context().Done()
	return a.sup.Err()
}

// Worker consumes the durable queue until ctx ends. Call Stop afterwards.
func (a *App) Worker(ctx context.Context) error {
	if a.cfg.Queue == nil {
		return fmt.Errorf("%w: worker mode consumes the durable queue", ErrNeedsQueue)
	}
	if err := a.open(ctx, string(backend.ModeQueue)); err != nil {
		return err
	}
	if drv := strings.ToLower(strings.TrimSpace(a.cfg.Queue.Driver)); drv == "" || drv == "memory" {
		a.log.Warn("memory queue is private to this process; nothing else can enqueue to it")
	}
	a.startSupervisor(ctx)
	a.startNotify(a.sup.Context(), a.cfg)
	a.startReload()
	a.startDiag()
	a.ready("consuming queue")

	err := a.proc.Consume(a.sup.Context())
	if supErr := a.sup.Err(); supErr != nil {
		return supErr
	}
	return err
}

// Task runs one registered task in this process. It is what task run
// targets spawn.
func (a *App) Task(ctx context.Context, name string, args []string) error {
	t, err := job.ParseTaskArgs(name, args)
	if err != nil {
		return err
	}
	return a.tasks.Run(ctx, t.Task, tasks.Env{Vars: tasks.Vars(t.Vars), Log: a.log.With(logx.String("comp", "task")), Stdout: a.out})
}

// Queue runs a queue management command: stats, tidy [age] or cancel <type>.
func (a *App) Queue(ctx context.Context, op string, args []string) error {
	if a.cfg.Queue == nil {
		return fmt.Errorf("%w: queue commands need a durable queue", ErrNeedsQueue)
	}
	if err := a.openQueue(ctx); err != nil {
		return err
	}
	be, err := backend.New(backend.ModeQueue, backend.Deps{Queue: a.store, Log: a.log, Bus: a.bus})
	if err != nil {
		return err
	}
	wcfg, err := mapWorkerConfig(a.cfg)
	if err != nil {
		return err
	}
	p := worker.New(wcfg, be, a.store, a.log, a.bus)

	switch op {
	case "stats":
		st, err := p.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "queued=%d processing=%d completed=%d failed=%d cancelled=%d\n",
			st.Queued, st.Processing, st.Completed, st.Failed, st.Cancelled)
	case "tidy":
		age := 7 * 24 * time.Hour
		if len(args) > 0 {
			if age, err = config.ParseDurationField("tidy age", args[0]); err != nil {
				return err
			}
		}
		n, err := p.Tidy(ctx, age)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "removed %d finished messages older than %s\n", n, age)
	case "cancel":
		if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
			return errors.New("queue cancel needs a worker type")
		}
		n, err := p.CancelByType(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "cancelled %d queued %q messages\n", n, args[0])
	default:
		return fmt.Errorf("unknown queue command %q (want stats, tidy or cancel)", op)
	}
	return nil
}

// open builds the execution path for mode: jobs, backend, processor and
// dispatcher.
func (a *App) open(ctx context.Context, modeRaw string) error {
	mode, err := mapMode(a.cfg, modeRaw)
	if err != nil {
		return err
	}
	reg, err := loadJobs(a.cfg, a.cfgm.Path(), a.opts.JobsPath)
	if err != nil {
		return err
	}
	scfg, err := mapSchedulerConfig(a.cfg)
	if err != nil {
		return err
	}
	wcfg, err := mapWorkerConfig(a.cfg)
	if err != nil {
		return err
	}
	a.mode, a.jobs = mode, reg

	deps := backend.Deps{Log: a.log, Bus: a.bus}
	switch mode {
	case backend.ModeAsync:
		ecfg, err := mapEngineConfig(a.cfg)
		if err != nil {
			return err
		}
		a.engine = engine.New(ecfg, a.log.With(logx.String("comp", "engine")), a.bus)
		// In-flight runs must survive the signal; only the dispatcher's
		// grace period and the engine stop step end them.
		a.engine.Start(context.WithoutCancel(ctx))
		deps.Engine = a.engine
	case backend.ModeQueue:
		if a.cfg.Queue == nil {
			return fmt.Errorf("%w: execution mode queue", ErrNeedsQueue)
		}
		if err := a.openQueue(ctx); err != nil {
			return err
		}
		deps.Queue = a.store
	}
	be, err := backend.New(mode, deps)
	if err != nil {
		return err
	}

	a.proc = worker.New(wcfg, be, a.store, a.log, a.bus)
	if err := worker.RegisterJobRoutine(a.proc, reg, a.runner); err != nil {
		return err
	}
	a.sched = scheduler.New(scfg, reg.All(), a.proc, clock.Real(), a.log, a.bus)
	return nil
}

func (a *App) openQueue(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	qcfg, _, err := mapQueueConfig(a.cfg)
	if err != nil {
		return err
	}
	st, err := queue.Open(ctx, qcfg, a.log)
	if err != nil {
		return err
	}
	a.store = st
	return nil
}

func (a *App) startSupervisor(ctx context.Context) {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		_ = sdnotify.Watchdog(c, a.log)
	})
}

// startNotify (re)builds the notifier when its settings or token changed.
func (a *App) startNotify(ctx context.Context, cfg *config.Config) {
	ncfg, token, err := mapNotifyConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
		return
	}
	if !ncfg.Enabled {
		if a.notif != nil {
			a.log.Info("notify disabled via config")
			a.stopNotify(ctx)
		}
		return
	}
	if a.notif != nil && token == a.notifyToken {
		a.notif.Apply(ncfg)
		return
	}
	a.stopNotify(ctx)
	sender, err := notify.NewTelegram(token)
	if err != nil {
		a.log.Warn("notify disabled: telegram sender", logx.Err(err))
		return
	}
	n := notify.New(ncfg, sender, a.log, a.bus)
	n.Start(ctx)
	a.nmu.Lock()
	a.notif, a.notifyToken = n, token
	a.nmu.Unlock()
}

func (a *App) stopNotify(ctx context.Context) {
	if a.notif == nil {
		return
	}
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	_ = a.notif.Stop(c)
	a.nmu.Lock()
	a.notif, a.notifyToken = nil, ""
	a.nmu.Unlock()
}

func (a *App) startDiag() {
	dcfg, err := mapDebugConfig(a.cfg)
	if err != nil || !dcfg.Enabled {
		return
	}
	a.diag = diag.New(dcfg, a.status, a.log)
	a.diag.Start(a.sup.Context())
}

// Status is the /status payload.
type Status struct {
	Mode       string               `json:"mode"`
	Dispatcher *scheduler.Snapshot  `json:"dispatcher,omitempty"`
	Engine     *engine.Snapshot     `json:"engine,omitempty"`
	Queue      *queue.Stats         `json:"queue,omitempty"`
	QueueError string               `json:"queue_error,omitempty"`
	Notify     []notify.HistoryItem `json:"notify,omitempty"`
}

func (a *App) status(ctx context.Context) any {
	st := Status{Mode: string(a.mode)}
	if a.sched != nil {
		snap := a.sched.Snapshot()
		st.Dispatcher = &snap
	}
	if a.engine != nil {
		snap := a.engine.Snapshot()
		st.Engine = &snap
	}
	if a.proc != nil && a.store != nil {
		qs, err := a.proc.Stats(ctx)
		if err != nil {
			st.QueueError = err.Error()
		} else {
			st.Queue = &qs
		}
	}
	a.nmu.Lock()
	n := a.notif
	a.nmu.Unlock()
	if n != nil {
		st.Notify = n.History()
	}
	return st
}

func (a *App) ready(status string) {
	if _, err := sdnotify.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}
	_, _ = sdnotify.Status(status)
	a.log.Info("started", logx.String("status", status))
}
