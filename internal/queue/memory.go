package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. Messages do not survive a restart.
type Memory struct {
	mu     sync.Mutex
	msgs   map[string]*Message
	closed bool
}

func NewMemory() *Memory {
	return &Memory{msgs: make(map[string]*Message)}
}

func (q *Memory) Enqueue(_ context.Context, m *Message) error {
	if err := prepare(m, nowUTC()); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.msgs[m.ID]; ok {
		return fmt.Errorf("queue message %q already exists", m.ID)
	}
	cp := *m
	q.msgs[m.ID] = &cp
	return nil
}

func (q *Memory) Dequeue(_ context.Context, tags []string) (*Message, error) {
	now := nowUTC()
	want := make(map[string]bool)
	for _, t := range lanes(tags) {
		want[t] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	var ready []*Message
	for _, m := range q.msgs {
		if m.Status == StatusQueued && want[m.Tag] && !m.RunAt.After(now) {
			ready = append(ready, m)
		}
	}
	if len(ready) == 0 {
		return nil, ErrEmpty
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].RunAt.Equal(ready[j].RunAt) {
			return ready[i].RunAt.Before(ready[j].RunAt)
		}
		return ready[i].EnqueuedAt.Before(ready[j].EnqueuedAt)
	})
	m := ready[0]
	m.Status = StatusProcessing
	m.Attempts++
	m.LockedAt = now
	m.UpdatedAt = now
	cp := *m
	return &cp, nil
}

func (q *Memory) Get(_ context.Context, id string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (q *Memory) update(id string, fn func(m *Message)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok {
		return ErrNotFound
	}
	fn(m)
	m.UpdatedAt = nowUTC()
	return nil
}

func (q *Memory) Ack(_ context.Context, id string) error {
	return q.update(id, func(m *Message) {
		m.Status = StatusCompleted
		m.LockedAt = time.Time{}
	})
}

func (q *Memory) Retry(_ context.Context, id string, runAt time.Time, lastErr string) error {
	return q.update(id, func(m *Message) {
		m.Status = StatusQueued
		m.RunAt = runAt.UTC()
		m.LockedAt = time.Time{}
		m.LastError = lastErr
	})
}

func (q *Memory) Fail(_ context.Context, id string, lastErr string) error {
	return q.update(id, func(m *Message) {
		m.Status = StatusFailed
		m.LockedAt = time.Time{}
		m.LastError = lastErr
	})
}

func (q *Memory) RequeueStale(_ context.Context, olderThan time.Duration) (int, error) {
	now := nowUTC()
	cutoff := now.Add(-olderThan)
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.msgs {
		if m.Status == StatusProcessing && m.LockedAt.Before(cutoff) {
			m.Status = StatusQueued
			m.RunAt = now
			m.LockedAt = time.Time{}
			m.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (q *Memory) CancelByType(_ context.Context, typ string) (int, error) {
	now := nowUTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.msgs {
		if m.Status == StatusQueued && m.Type == typ {
			m.Status = StatusCancelled
			m.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (q *Memory) Tidy(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := nowUTC().Add(-olderThan)
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, m := range q.msgs {
		if m.Status.Terminal() && !m.UpdatedAt.After(cutoff) {
			delete(q.msgs, id)
			n++
		}
	}
	return n, nil
}

func (q *Memory) Stats(context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, m := range q.msgs {
		s.add(m.Status, 1)
	}
	return s, nil
}

func (q *Memory) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
