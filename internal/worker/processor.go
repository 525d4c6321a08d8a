package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cadence/internal/eventbus"
	"cadence/internal/queue"
	"cadence/internal/task/backend"
	"cadence/pkg/logx"
)

// Routine is the logic behind one worker type.
type Routine interface {
	Perform(ctx context.Context, args json.RawMessage) error
}

type RoutineFunc func(ctx context.Context, args json.RawMessage) error

func (f RoutineFunc) Perform(ctx context.Context, args json.RawMessage) error { return f(ctx, args) }

type UnknownTypePolicy string

const (
	// UnknownReject parks messages of unregistered types as failed.
	UnknownReject UnknownTypePolicy = "reject"
	// UnknownRetry puts them back, for rolling deploys where another worker
	// version may know the type. They still fail after MaxAttempts.
	UnknownRetry UnknownTypePolicy = "retry"
)

type Config struct {
	Concurrency int
	Tags        []string
	// PollInterval is the wait after an empty Dequeue.
	PollInterval time.Duration
	// StaleAfter requeues messages locked longer than this. Keep it above the
	// longest routine runtime or healthy messages get redelivered.
	StaleAfter time.Duration
	// ShutdownGrace bounds how long the current message may keep running
	// after Consume's context ends.
	ShutdownGrace time.Duration

	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	UnknownTypePolicy UnknownTypePolicy
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.UnknownTypePolicy == "" {
		c.UnknownTypePolicy = UnknownReject
	}
	return c
}

// Processor maps worker type names to routines. PerformLater is the only
// way units are submitted; the configured backend decides where they run.
type Processor struct {
	cfg     Config
	backend backend.Backend
	store   queue.Store
	log     logx.Logger
	bus     eventbus.Bus

	mu       sync.RWMutex
	routines map[string]Routine
}

// New builds a processor. store may be nil outside queue mode; Consume and
// the queue management calls then fail with ErrNoQueue.
func New(cfg Config, be backend.Backend, store queue.Store, log logx.Logger, bus eventbus.Bus) *Processor {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Processor{
		cfg:      cfg.withDefaults(),
		backend:  be,
		store:    store,
		log:      log.With(logx.String("comp", "worker")),
		bus:      bus,
		routines: make(map[string]Routine),
	}
}

func (p *Processor) Register(name string, r Routine) error {
	name = strings.TrimSpace(name)
	if name == "" || r == nil {
		return fmt.Errorf("worker type name and routine are required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.routines[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateWorkerType, name)
	}
	p.routines[name] = r
	return nil
}

// RegisterFunc registers a routine taking typed args. Args are decoded
// strictly; a mismatch is ErrArgDeserialization and is never retried.
func RegisterFunc[T any](p *Processor, name string, fn func(ctx context.Context, args T) error) error {
	return p.Register(name, RoutineFunc(func(ctx context.Context, raw json.RawMessage) error {
		var args T
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&args); err != nil {
			return NoRetry(fmt.Errorf("%w: %s: %v", ErrArgDeserialization, name, err))
		}
		return fn(ctx, args)
	}))
}

func (p *Processor) lookup(name string) (Routine, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.routines[name]
	return r, ok
}

// Types lists the registered worker type names.
func (p *Processor) Types() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.routines))
	for n := range p.routines {
		out = append(out, n)
	}
	return out
}

func (p *Processor) Mode() backend.Mode { return p.backend.Mode() }

type performOptions struct {
	tag         string
	maxAttempts int
}

type PerformOption func(*performOptions)

// WithTag routes a queued unit to workers consuming tag.
func WithTag(tag string) PerformOption {
	return func(o *performOptions) { o.tag = strings.TrimSpace(tag) }
}

func WithMaxAttempts(n int) PerformOption {
	return func(o *performOptions) { o.maxAttempts = n }
}

// PerformLater submits one invocation of the named worker type. Args are
// always serialized first, so the routine decodes the same bytes whatever
// the backend. Under the foreground backend this returns only after the
// routine finished, with ErrJobExecutionFailed on failure.
func (p *Processor) PerformLater(ctx context.Context, name string, args any, opts ...PerformOption) (*backend.Handle, error) {
	o := performOptions{maxAttempts: p.cfg.MaxAttempts}
	for _, fn := range opts {
		fn(&o)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s args: %w", name, err)
	}

	r, known := p.lookup(name)
	if !known && p.backend.Mode() != backend.ModeQueue {
		// A queue consumer may know types this process does not.
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkerType, name)
	}
	unit := backend.Unit{
		ID:          uuid.NewString(),
		Type:        name,
		Args:        raw,
		Tag:         o.tag,
		MaxAttempts: o.maxAttempts,
	}
	if known {
		unit.Run = func(ctx context.Context) error { return r.Perform(ctx, raw) }
	}
	return p.backend.Dispatch(ctx, unit)
}
