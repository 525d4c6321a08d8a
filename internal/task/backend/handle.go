package backend

import (
	"context"
	"sync"
	"time"
)

type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateKilled
	// StateEnqueued means the unit was handed to the durable queue; its
	// outcome is only known to the worker process.
	StateEnqueued
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateKilled:
		return "killed"
	case StateEnqueued:
		return "enqueued"
	default:
		return "unknown"
	}
}

// Terminal reports whether the handle will not change state again.
func (s State) Terminal() bool { return s >= StateSucceeded }

// Handle tracks one dispatched unit.
type Handle struct {
	id      string
	typ     string
	mode    Mode
	started time.Time

	mu    sync.Mutex
	state State
	err   error
	kill  func()

	done chan struct{}
}

func newHandle(u Unit, mode Mode) *Handle {
	return &Handle{id: u.ID, typ: u.Type, mode: mode, started: time.Now(), done: make(chan struct{})}
}

func (h *Handle) ID() string            { return h.id }
func (h *Handle) Type() string          { return h.typ }
func (h *Handle) Mode() Mode            { return h.mode }
func (h *Handle) Started() time.Time    { return h.started }
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err is the failure of a Failed or Killed unit.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the handle is terminal or ctx ends.
func (h *Handle) Wait(ctx context.Context) (State, error) {
	select {
	case <-h.done:
		return h.State(), h.Err()
	case <-ctx.Done():
		return h.State(), ctx.Err()
	}
}

// Kill asks the backend to terminate the unit. The handle turns Killed once
// the unit actually stopped. No-op on terminal handles.
func (h *Handle) Kill() {
	h.mu.Lock()
	kill := h.kill
	terminal := h.state.Terminal()
	h.mu.Unlock()
	if kill != nil && !terminal {
		kill()
	}
}

func (h *Handle) setRunning(kill func()) {
	h.mu.Lock()
	if !h.state.Terminal() {
		h.state = StateRunning
	}
	if kill != nil {
		h.kill = kill
	}
	h.mu.Unlock()
}

func (h *Handle) finish(st State, err error) {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.state, h.err = st, err
	h.mu.Unlock()
	close(h.done)
}
