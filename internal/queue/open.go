package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"cadence/pkg/logx"
)

const defaultPrefix = "cadence"

// Open initializes the configured queue driver. An empty driver means memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = defaultPrefix
	}
	log = log.With(logx.String("comp", "queue"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown queue driver: " + driver)
	}
}

// prepare fills the defaults every driver applies on Enqueue.
func prepare(m *Message, now time.Time) error {
	if m == nil || strings.TrimSpace(m.Type) == "" {
		return errors.New("queue message type is required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if len(m.Args) == 0 {
		m.Args = []byte("null")
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = 1
	}
	if m.RunAt.IsZero() {
		m.RunAt = now
	}
	m.RunAt = m.RunAt.UTC()
	m.EnqueuedAt = now
	m.UpdatedAt = now
	m.LockedAt = time.Time{}
	m.Status = StatusQueued
	m.Attempts = 0
	return nil
}
