// Package tasks holds the named units of application logic that task run
// targets invoke through `cadence task <name> key:value ...`.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cadence/pkg/logx"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrDuplicateTask = errors.New("duplicate task")
	ErrBadVar        = errors.New("bad task variable")
)

// Env is what a task sees when it runs.
type Env struct {
	Vars   Vars
	Log    logx.Logger
	Stdout io.Writer
}

type Func func(ctx context.Context, env Env) error

type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return errors.New("task name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, name)
	}
	r.tasks[name] = fn
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Run looks the task up and calls it.
func (r *Registry) Run(ctx context.Context, name string, env Env) error {
	r.mu.RLock()
	fn, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	if env.Stdout == nil {
		env.Stdout = logx.Stdout()
	}
	env.Log = env.Log.With(logx.String("task", name))
	return fn(ctx, env)
}

// Vars are the key:value arguments of one invocation.
type Vars map[string]string

func (v Vars) String(key, def string) string {
	if s, ok := v[key]; ok {
		return s
	}
	return def
}

func (v Vars) Require(key string) (string, error) {
	s, ok := v[key]
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %q is required", ErrBadVar, key)
	}
	return s, nil
}

func (v Vars) Duration(key string, def time.Duration) (time.Duration, error) {
	s, ok := v[key]
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadVar, key, err)
	}
	return d, nil
}

func (v Vars) Int(key string, def int) (int, error) {
	s, ok := v[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadVar, key, err)
	}
	return n, nil
}
