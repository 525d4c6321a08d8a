package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/job"
	"cadence/internal/notify"
	"cadence/internal/observability/diag"
	"cadence/internal/queue"
	"cadence/internal/task/backend"
	"cadence/internal/task/engine"
	"cadence/internal/task/runner"
	"cadence/internal/task/scheduler"
	"cadence/internal/worker"
	"cadence/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	var tick, grace time.Duration
	if err := config.ParseDurations(
		config.DurationField{Path: "scheduler.tick", Raw: sc.Tick, Dst: &tick},
		config.DurationField{Path: "scheduler.grace_period", Raw: sc.GracePeriod, Dst: &grace},
	); err != nil {
		return scheduler.Config{}, err
	}
	overlap, err := scheduler.ParseOverlap(sc.Overlap)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.overlap: %w", err)
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if sc.MaxAttempts < 0 {
		return scheduler.Config{}, errors.New("scheduler.max_attempts must be >= 0")
	}
	return scheduler.Config{
		Tick:        tick,
		GracePeriod: grace,
		Timezone:    sc.Timezone,
		Overlap:     overlap,
		MaxAttempts: sc.MaxAttempts,
		Tag:         strings.TrimSpace(sc.Tag),
	}, nil
}

// mapMode resolves the execution mode; a non-empty override (the -mode
// flag) wins over the file.
func mapMode(cfg *config.Config, override string) (backend.Mode, error) {
	raw := cfg.Execution.Mode
	if strings.TrimSpace(override) != "" {
		raw = override
	}
	m, err := backend.ParseMode(raw)
	if err != nil {
		return "", fmt.Errorf("execution.mode: %w", err)
	}
	return m, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	if ec == nil {
		return engine.Config{}, nil
	}
	if ec.Workers < 0 || ec.QueueSize < 0 || ec.HistorySize < 0 {
		return engine.Config{}, errors.New("engine.workers, engine.queue_size and engine.history_size must be >= 0")
	}
	var defTimeout, maxDelay time.Duration
	if err := config.ParseDurations(
		config.DurationField{Path: "engine.default_timeout", Raw: ec.DefaultTimeout, Dst: &defTimeout},
		config.DurationField{Path: "engine.max_queue_delay", Raw: ec.MaxQueueDelay, Dst: &maxDelay},
	); err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    ec.HistorySize,
	}, nil
}

// mapQueueConfig returns ok=false when no queue section is present.
func mapQueueConfig(cfg *config.Config) (queue.Config, bool, error) {
	qc := cfg.Queue
	if qc == nil {
		return queue.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(qc.Driver))
	out := queue.Config{
		Driver:   driver,
		Path:     strings.TrimSpace(qc.Path),
		Addr:     strings.TrimSpace(qc.Addr),
		Password: qc.Password,
		DB:       qc.DB,
		DSN:      strings.TrimSpace(qc.DSN),
		Prefix:   strings.TrimSpace(qc.Prefix),
	}
	switch driver {
	case "", "memory":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return queue.Config{}, false, errors.New("queue.path is required when queue.driver=sqlite")
		}
		busy, err := config.ParseDurationField("queue.busy_timeout", qc.BusyTimeout)
		if err != nil {
			return queue.Config{}, false, err
		}
		out.BusyTimeout = busy
	case "redis":
		if out.Addr == "" {
			return queue.Config{}, false, errors.New("queue.addr is required when queue.driver=redis")
		}
	case "postgres", "postgresql", "pgx":
		if out.DSN == "" {
			return queue.Config{}, false, errors.New("queue.dsn is required when queue.driver=postgres")
		}
	default:
		return queue.Config{}, false, fmt.Errorf("unknown queue.driver: %s", qc.Driver)
	}
	return out, true, nil
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, error) {
	wc := cfg.Worker
	if wc == nil {
		return worker.Config{}, nil
	}
	if wc.Concurrency < 0 || wc.MaxAttempts < 0 {
		return worker.Config{}, errors.New("worker.concurrency and worker.max_attempts must be >= 0")
	}
	var out worker.Config
	if err := config.ParseDurations(
		config.DurationField{Path: "worker.poll_interval", Raw: wc.PollInterval, Dst: &out.PollInterval},
		config.DurationField{Path: "worker.stale_after", Raw: wc.StaleAfter, Dst: &out.StaleAfter},
		config.DurationField{Path: "worker.shutdown_grace", Raw: wc.ShutdownGrace, Dst: &out.ShutdownGrace},
		config.DurationField{Path: "worker.retry_base", Raw: wc.RetryBase, Dst: &out.RetryBase},
		config.DurationField{Path: "worker.retry_max_delay", Raw: wc.RetryMaxDelay, Dst: &out.RetryMaxDelay},
	); err != nil {
		return worker.Config{}, err
	}
	switch p := worker.UnknownTypePolicy(strings.ToLower(strings.TrimSpace(wc.UnknownTypePolicy))); p {
	case "", worker.UnknownReject, worker.UnknownRetry:
		out.UnknownTypePolicy = p
	default:
		return worker.Config{}, fmt.Errorf("worker.unknown_type_policy must be reject or retry, got %q", wc.UnknownTypePolicy)
	}
	out.Concurrency = wc.Concurrency
	out.MaxAttempts = wc.MaxAttempts
	for _, t := range wc.Tags {
		if t = strings.TrimSpace(t); t != "" {
			out.Tags = append(out.Tags, t)
		}
	}
	return out, nil
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	rc := cfg.Runner
	if rc == nil {
		return runner.Config{}, nil
	}
	grace, err := config.ParseDurationField("runner.kill_grace", rc.KillGrace)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{Shell: strings.TrimSpace(rc.Shell), KillGrace: grace}, nil
}

// mapNotifyConfig also returns the bot token, which notify.Config does not
// carry.
func mapNotifyConfig(cfg *config.Config) (notify.Config, string, error) {
	nc := cfg.Notify
	if nc == nil || !nc.Enabled {
		return notify.Config{}, "", nil
	}
	token := strings.TrimSpace(nc.Token)
	if token == "" {
		return notify.Config{}, "", errors.New("notify.token is required when notify.enabled=true")
	}
	if nc.ChatID == 0 {
		return notify.Config{}, "", errors.New("notify.chat_id is required when notify.enabled=true")
	}
	if nc.RatePerSec < 0 {
		return notify.Config{}, "", errors.New("notify.rate_per_sec must be >= 0")
	}
	for _, e := range nc.Events {
		if !knownEvent(e) {
			return notify.Config{}, "", fmt.Errorf("notify.events: unknown event %q", e)
		}
	}
	return notify.Config{
		Enabled:    true,
		ChatID:     nc.ChatID,
		ThreadID:   nc.ThreadID,
		RatePerSec: nc.RatePerSec,
		Events:     nc.Events,
	}, token, nil
}

func knownEvent(e string) bool {
	switch e {
	case eventbus.JobTriggered, eventbus.JobStarted, eventbus.JobSucceeded,
		eventbus.JobFailed, eventbus.JobKilled, eventbus.JobSkipped, eventbus.QueueRejected:
		return true
	}
	return false
}

func mapDebugConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Debug
	if dc == nil {
		return diag.Config{}, nil
	}
	out := diag.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         dc.Token,
		AllowInsecure: dc.AllowInsecure,
	}
	if err := out.Validate(); err != nil {
		return diag.Config{}, fmt.Errorf("debug: %w", err)
	}
	return out, nil
}

// validateConfig runs every mapper so a reload with a bad value anywhere is
// rejected as a whole.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: unknown level %q", lvl)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", cfg.Logging.Format)
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMode(cfg, ""); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWorkerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	if _, err := job.ParseOutputPolicy(cfg.Scheduler.Output, job.OutputStdout); err != nil {
		return fmt.Errorf("scheduler.output: %w", err)
	}
	return nil
}

// loadJobs merges the inline jobs with the jobs file. jobsPath overrides
// scheduler.jobs_file; a relative jobs_file is resolved against the config
// file's directory.
func loadJobs(cfg *config.Config, cfgPath, jobsPath string) (*job.Registry, error) {
	var sources []job.Source
	if len(cfg.Scheduler.Jobs) > 0 {
		sources = append(sources, cfg.Scheduler.InlineSource())
	}
	path := strings.TrimSpace(jobsPath)
	if path == "" {
		if path = strings.TrimSpace(cfg.Scheduler.JobsFile); path != "" && !filepath.IsAbs(path) && cfgPath != "" {
			path = filepath.Join(filepath.Dir(cfgPath), path)
		}
	}
	if path != "" {
		src, err := job.ReadSource(path)
		if err != nil {
			return nil, fmt.Errorf("jobs file %s: %w", path, err)
		}
		sources = append(sources, src)
	}
	return job.Load(mergeSources(sources...))
}

// mergeSources pins each source's default output onto its own entries so
// one merged Load keeps per-file defaults.
func mergeSources(srcs ...job.Source) job.Source {
	var out job.Source
	for _, s := range srcs {
		for _, e := range s.Jobs {
			if strings.TrimSpace(e.Output) == "" {
				e.Output = s.Output
			}
			out.Jobs = append(out.Jobs, e)
		}
	}
	return out
}
