// Package backend implements the three execution strategies a unit of work
// can be dispatched through: inline, in-process async pool, or durable queue.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cadence/internal/eventbus"
	"cadence/internal/queue"
	"cadence/internal/task/engine"
	"cadence/pkg/logx"
)

// ErrJobExecutionFailed wraps the error of a unit that ran and failed.
var ErrJobExecutionFailed = errors.New("job execution failed")

type Mode string

const (
	ModeForeground Mode = "foreground"
	ModeAsync      Mode = "async"
	ModeQueue      Mode = "queue"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeForeground, ModeAsync, ModeQueue:
		return m, nil
	case "":
		return ModeAsync, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q (want foreground, async or queue)", s)
	}
}

// Unit is one invocation handed to a backend. Args is the serialized form
// used by the queue; Run is the in-process form used by the others.
type Unit struct {
	ID          string
	Type        string
	Args        json.RawMessage
	Tag         string
	MaxAttempts int
	Run         func(ctx context.Context) error
}

type Backend interface {
	Mode() Mode
	// Dispatch starts u. Foreground returns only once u finished; the others
	// return as soon as u is accepted.
	Dispatch(ctx context.Context, u Unit) (*Handle, error)
}

type Deps struct {
	Engine *engine.Service
	Queue  queue.Store
	Log    logx.Logger
	Bus    eventbus.Bus
}

// New selects the strategy for mode.
func New(mode Mode, deps Deps) (Backend, error) {
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	log := deps.Log.With(logx.String("comp", "backend"), logx.String("mode", string(mode)))
	switch mode {
	case ModeForeground:
		return &Foreground{log: log}, nil
	case ModeAsync:
		if deps.Engine == nil {
			return nil, errors.New("async backend needs an engine")
		}
		return &Async{engine: deps.Engine, log: log}, nil
	case ModeQueue:
		if deps.Queue == nil {
			return nil, errors.New("queue backend needs a queue store")
		}
		return &Queue{store: deps.Queue, log: log, bus: deps.Bus}, nil
	default:
		return nil, fmt.Errorf("unknown execution mode %q", mode)
	}
}

func failed(err error) error {
	if errors.Is(err, ErrJobExecutionFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrJobExecutionFailed, err)
}
