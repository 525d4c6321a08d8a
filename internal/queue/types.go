package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrEmpty is returned by Dequeue when no message is ready.
	ErrEmpty    = errors.New("queue empty")
	ErrNotFound = errors.New("queue message not found")
	ErrClosed   = errors.New("queue closed")
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the message will never be delivered again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Message is one serialized worker invocation.
type Message struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Args json.RawMessage `json:"args"`
	// Tag routes the message to workers consuming that tag. Empty means
	// untagged.
	Tag         string    `json:"tag,omitempty"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunAt       time.Time `json:"run_at"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LockedAt    time.Time `json:"locked_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Stats counts messages per status.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

func (s *Stats) add(st Status, n int) {
	switch st {
	case StatusQueued:
		s.Queued += n
	case StatusProcessing:
		s.Processing += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	case StatusCancelled:
		s.Cancelled += n
	}
}

// Store is a durable, at-least-once message queue shared by producers and
// worker processes. Claiming a message is atomic across processes.
type Store interface {
	// Enqueue stores m as queued. Empty ID, RunAt and EnqueuedAt are filled in.
	Enqueue(ctx context.Context, m *Message) error
	// Dequeue claims the earliest ready message carrying one of tags (the
	// untagged lane when tags is empty) and marks it processing.
	Dequeue(ctx context.Context, tags []string) (*Message, error)
	Get(ctx context.Context, id string) (*Message, error)

	Ack(ctx context.Context, id string) error
	// Retry puts a processing message back in the queue, ready at runAt.
	Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error
	// Fail parks a message as failed. It is kept for inspection until Tidy.
	Fail(ctx context.Context, id string, lastErr string) error

	// RequeueStale returns messages locked for longer than olderThan to the
	// queue. This is how messages of a crashed worker get redelivered.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
	// CancelByType cancels every queued message of the given type.
	CancelByType(ctx context.Context, typ string) (int, error)
	// Tidy deletes terminal messages last updated before now-olderThan.
	Tidy(ctx context.Context, olderThan time.Duration) (int, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Config configures the queue.
//
// Driver values:
//   - "memory": in-process, for tests and single-process setups
//   - "sqlite": SQLite database file shared by processes on one host
//   - "redis": Redis server (Addr, Password, DB)
//   - "postgres": PostgreSQL (DSN)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string
	Password string
	DB       int

	DSN string

	// Prefix namespaces keys (redis) and names the table (sql drivers).
	Prefix string
}

func lanes(tags []string) []string {
	if len(tags) == 0 {
		return []string{""}
	}
	return tags
}

func nowUTC() time.Time { return time.Now().UTC() }
