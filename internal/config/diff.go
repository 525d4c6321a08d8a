package config

import (
	"reflect"
	"strings"

	"cadence/pkg/logx"
)

// liveSections are applied on hot reload; every other section only takes
// effect after a restart.
var liveSections = map[string]bool{"logging": true, "notify": true}

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never tokens, passwords or DSNs) and the changed sections
// that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", newCfg.Scheduler.Tick),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.inline_jobs", len(newCfg.Scheduler.Jobs)),
			logx.String("scheduler.jobs_file", newCfg.Scheduler.JobsFile),
		)
	}

	if oldCfg.Execution != newCfg.Execution {
		changed = append(changed, "execution")
		attrs = append(attrs, logx.String("execution.mode", newCfg.Execution.Mode))
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		if e := newCfg.Engine; e != nil {
			attrs = append(attrs, logx.Int("engine.workers", e.Workers), logx.Int("engine.queue_size", e.QueueSize))
		}
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		if q := newCfg.Queue; q != nil {
			attrs = append(attrs,
				logx.String("queue.driver", q.Driver),
				logx.Bool("queue.password_set", q.Password != ""),
				logx.Bool("queue.dsn_set", q.DSN != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		if w := newCfg.Worker; w != nil {
			attrs = append(attrs, logx.Int("worker.concurrency", w.Concurrency), logx.Strings("worker.tags", w.Tags))
		}
	}

	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		changed = append(changed, "runner")
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		if n := newCfg.Notify; n != nil {
			attrs = append(attrs,
				logx.Bool("notify.enabled", n.Enabled),
				logx.Bool("notify.token_set", strings.TrimSpace(n.Token) != ""),
				logx.Strings("notify.events", n.Events),
			)
		} else {
			attrs = append(attrs, logx.Bool("notify.enabled", false))
		}
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		if d := newCfg.Debug; d != nil {
			attrs = append(attrs, logx.Bool("debug.enabled", d.Enabled), logx.String("debug.addr", d.Addr))
		}
	}

	var restart []string
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
