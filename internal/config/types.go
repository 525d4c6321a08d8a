package config

import "cadence/internal/job"

// Config is the process configuration. All durations are Go duration
// strings ("500ms", "10s", "1m"); empty means the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Execution ExecutionConfig `json:"execution"`

	// Optional sections; omitted means defaults.
	Engine *EngineConfig `json:"engine,omitempty"`
	Queue  *QueueConfig  `json:"queue,omitempty"`
	Worker *WorkerConfig `json:"worker,omitempty"`
	Runner *RunnerConfig `json:"runner,omitempty"`
	Notify *NotifyConfig `json:"notify,omitempty"`
	Debug  *DebugConfig  `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json".
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the dispatcher loop and where jobs come from.
//
// Jobs may be listed inline, loaded from JobsFile, or both; names must be
// unique across the two.
type SchedulerConfig struct {
	Tick        string `json:"tick,omitempty"`         // default "1s"
	GracePeriod string `json:"grace_period,omitempty"` // default "30s"
	Timezone    string `json:"timezone,omitempty"`     // IANA TZ; empty means local
	Overlap     string `json:"overlap,omitempty"`      // "allow" (default) or "skip"

	// Tag routes queued job runs to workers consuming that tag.
	Tag         string `json:"tag,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`

	JobsFile string      `json:"jobs_file,omitempty"`
	Output   string      `json:"output,omitempty"` // default output policy for inline jobs
	Jobs     []job.Entry `json:"jobs,omitempty"`
}

// InlineSource returns the jobs declared in the config file itself.
func (c SchedulerConfig) InlineSource() job.Source {
	return job.Source{Output: c.Output, Jobs: c.Jobs}
}

type ExecutionConfig struct {
	// Mode is "foreground", "async" (default) or "queue".
	Mode string `json:"mode"`
}

// EngineConfig sizes the in-process pool behind the async mode.
//
// Defaults: workers 4, queue_size 256, history_size 200, timeouts disabled.
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// QueueConfig selects the durable queue.
//
// Example:
//
//	"queue": { "driver": "sqlite", "path": "./cadence_queue.db" }
//	"queue": { "driver": "redis", "addr": "127.0.0.1:6379" }
//	"queue": { "driver": "postgres", "dsn": "postgres://cadence@localhost/cadence" }
type QueueConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Addr        string `json:"addr,omitempty"`         // redis
	Password    string `json:"password,omitempty"`     // redis (never logged)
	DB          int    `json:"db,omitempty"`           // redis
	DSN         string `json:"dsn,omitempty"`          // postgres (never logged)
	Prefix      string `json:"prefix,omitempty"`
}

type WorkerConfig struct {
	Concurrency       int      `json:"concurrency,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	PollInterval      string   `json:"poll_interval,omitempty"`
	StaleAfter        string   `json:"stale_after,omitempty"`
	ShutdownGrace     string   `json:"shutdown_grace,omitempty"`
	MaxAttempts       int      `json:"max_attempts,omitempty"`
	RetryBase         string   `json:"retry_base,omitempty"`
	RetryMaxDelay     string   `json:"retry_max_delay,omitempty"`
	UnknownTypePolicy string   `json:"unknown_type_policy,omitempty"` // "reject" (default) or "retry"
}

type RunnerConfig struct {
	Shell     string `json:"shell,omitempty"`      // default "/bin/sh"
	KillGrace string `json:"kill_grace,omitempty"` // default "2s"
}

// NotifyConfig sends a Telegram message when a job run fails or is killed.
type NotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"` // never logged
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// RatePerSec caps outgoing messages; default 1.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// Events lists bus event types to report; default job.failed, job.killed
	// and queue.rejected.
	Events []string `json:"events,omitempty"`
}

// DebugConfig enables the diagnostics listener (/healthz, /status,
// /debug/pprof/) in the dispatcher and worker modes.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
