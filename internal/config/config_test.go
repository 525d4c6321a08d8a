package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const sampleYAML = `
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
scheduler:
  tick: 1s
  timezone: UTC
  output: silent
  jobs:
    - name: backup
      run: "echo loco >> ./out.txt"
      shell: true
      cron: "every 15 seconds"
      tags: [maintenance]
execution:
  mode: queue
queue:
  driver: sqlite
  path: ./q.db
worker:
  concurrency: 2
  tags: [maintenance]
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("cadence.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode yaml error: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Execution.Mode != "queue" || cfg.Queue == nil || cfg.Queue.Driver != "sqlite" {
		t.Fatalf("decoded = %+v", cfg)
	}
	if len(cfg.Scheduler.Jobs) != 1 || !cfg.Scheduler.Jobs[0].Shell || cfg.Scheduler.Jobs[0].Tags[0] != "maintenance" {
		t.Fatalf("jobs = %+v", cfg.Scheduler.Jobs)
	}
	if src := cfg.Scheduler.InlineSource(); src.Output != "silent" || len(src.Jobs) != 1 {
		t.Fatalf("inline source = %+v", src)
	}
	if cfg.Worker == nil || cfg.Worker.Concurrency != 2 {
		t.Fatalf("worker = %+v", cfg.Worker)
	}

	j, err := Decode("cadence.json", []byte(`{"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"execution":{"mode":"async"}}`))
	if err != nil {
		t.Fatalf("Decode json error: %v", err)
	}
	if j.Execution.Mode != "async" || j.Queue != nil {
		t.Fatalf("decoded json = %+v", j)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
	}{
		{"unknown json field", "c.json", `{"execution":{"mode":"async","workers":3}}`},
		{"unknown yaml field", "c.yaml", "scheduler:\n  tik: 1s\n"},
		{"unknown job field", "c.yaml", "scheduler:\n  jobs:\n    - name: a\n      cron: '* * * * * * *'\n      command: x\n"},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "logging: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatalf("Decode(%s) succeeded, want error", tt.body)
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("empty.yaml", []byte("\n"))
	if err != nil || cfg == nil {
		t.Fatalf("Decode empty = %+v, %v", cfg, err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 250ms ", want: 250 * time.Millisecond},
		{raw: "7d", want: 7 * 24 * time.Hour},
		{raw: "1d12h", want: 36 * time.Hour},
		{raw: "-1s", wantErr: true},
		{raw: "-2d", wantErr: true},
		{raw: "1d-1h", wantErr: true},
		{raw: "xd", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("scheduler.tick", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationField(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestParseDurationsReportsEveryBadField(t *testing.T) {
	t.Parallel()
	var tick, grace, stale time.Duration
	err := ParseDurations(
		DurationField{Path: "scheduler.tick", Raw: "2s", Dst: &tick},
		DurationField{Path: "scheduler.grace_period", Raw: "later", Dst: &grace},
		DurationField{Path: "worker.stale_after", Raw: "-1m", Dst: &stale},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, path := range []string{"scheduler.grace_period", "worker.stale_after"} {
		if !strings.Contains(err.Error(), path) {
			t.Fatalf("error %q does not name %s", err, path)
		}
	}
	if tick != 2*time.Second {
		t.Fatalf("tick = %s, want 2s", tick)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old, _ := Decode("a.yaml", []byte(sampleYAML))
	next, _ := Decode("a.yaml", []byte(sampleYAML))

	changed, _, restart := SummarizeConfigChange(old, next)
	if len(changed) != 0 || len(restart) != 0 {
		t.Fatalf("identical configs: changed=%v restart=%v", changed, restart)
	}

	next.Logging.Level = "warn"
	next.Queue.Password = "secret"
	next.Notify = &NotifyConfig{Enabled: true, Token: "t", ChatID: 1}
	changed, _, restart = SummarizeConfigChange(old, next)
	for _, want := range []string{"logging", "queue", "notify"} {
		if !slices.Contains(changed, want) {
			t.Fatalf("changed = %v, missing %s", changed, want)
		}
	}
	if !slices.Equal(restart, []string{"queue"}) {
		t.Fatalf("restart = %v, want [queue]", restart)
	}
}

func TestManagerLoadAndSubscribe(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	writeFile(t, path, sampleYAML)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}

	ch := m.Subscribe(1)
	m.publish(cfg)
	newer := *cfg
	m.publish(&newer)
	if got := <-ch; got != &newer {
		t.Fatal("a full subscriber should keep only the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("Unsubscribe should close the channel")
	}
}

func TestWatchReloadsValidChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	writeFile(t, path, sampleYAML)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Execution.Mode == "bogus" {
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)

	writeFile(t, path, "execution:\n  mode: bogus\n")
	time.Sleep(2 * reloadDebounce)
	if got := m.Get(); got.Execution.Mode != "queue" {
		t.Fatalf("rejected config was committed: %+v", got.Execution)
	}

	writeFile(t, path, "execution:\n  mode: foreground\n")
	select {
	case cfg := <-sub:
		if cfg.Execution.Mode != "foreground" {
			t.Fatalf("published mode = %q", cfg.Execution.Mode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return")
	}
}
