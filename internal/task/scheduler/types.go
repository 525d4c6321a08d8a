package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/task/backend"
	"cadence/internal/worker"
)

// Config controls the dispatcher loop.
type Config struct {
	// Tick is the scan interval. Cron fields have second precision, so
	// anything above 1s delays triggers.
	Tick time.Duration
	// GracePeriod bounds how long Stop waits for in-flight runs before
	// killing them.
	GracePeriod time.Duration
	Timezone    string // IANA TZ, e.g. "Asia/Jakarta"; empty means local
	Overlap     OverlapPolicy
	// MaxAttempts applies to queued job units; 0 uses the worker default.
	MaxAttempts int
	// Tag routes queued job units to workers consuming that tag.
	Tag string
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.Overlap == "" {
		c.Overlap = OverlapAllow
	}
	return c
}

type OverlapPolicy string

const (
	OverlapAllow OverlapPolicy = "allow"
	// OverlapSkipIfRunning skips a trigger while an earlier run of the same
	// job is still tracked.
	OverlapSkipIfRunning OverlapPolicy = "skip"
)

func ParseOverlap(s string) (OverlapPolicy, error) {
	switch p := OverlapPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OverlapAllow, nil
	case OverlapAllow, OverlapSkipIfRunning:
		return p, nil
	default:
		return "", fmt.Errorf("overlap must be allow or skip, got %q", s)
	}
}

// Performer submits worker units. *worker.Processor implements it.
type Performer interface {
	PerformLater(ctx context.Context, name string, args any, opts ...worker.PerformOption) (*backend.Handle, error)
	Mode() backend.Mode
}

type State int32

const (
	StateIdle State = iota
	StateTicking
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTicking:
		return "ticking"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// RunOutcome is the observed end of one triggered run.
type RunOutcome struct {
	Job      string
	RunID    string
	State    backend.State
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Report summarizes a shutdown.
type Report struct {
	// Finished counts runs that reached a terminal state within the grace
	// period.
	Finished int
	// Killed lists runs still going when the grace period ended.
	Killed []RunOutcome
	Took   time.Duration
}

type JobInfo struct {
	Name     string
	Schedule string
	Tags     []string
	Next     time.Time
	Prev     time.Time
	InFlight int
}

type RunInfo struct {
	Job     string
	RunID   string
	Mode    backend.Mode
	State   backend.State
	Started time.Time
}

type Snapshot struct {
	State    State
	Timezone string
	Mode     backend.Mode
	Tick     time.Duration
	Jobs     []JobInfo
	InFlight []RunInfo
}
