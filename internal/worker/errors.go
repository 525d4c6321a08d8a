package worker

import (
	"errors"
	"time"

	"cadence/internal/task/engine"
)

var (
	ErrDuplicateWorkerType = errors.New("duplicate worker type")
	ErrUnknownWorkerType   = errors.New("unknown worker type")
	ErrArgDeserialization  = errors.New("worker args deserialization failed")
	// ErrNoQueue is returned by queue operations when no queue is configured.
	ErrNoQueue = errors.New("no queue configured")
)

// NoRetry marks a routine failure as permanent.
func NoRetry(err error) error { return engine.NoRetry(err) }

// RetryAfter asks for the next attempt no sooner than after.
func RetryAfter(err error, after time.Duration) error { return engine.RetryAfter(err, after) }
