package eventbus

import "time"

// Run lifecycle events published by the scheduler and the execution backends.
const (
	JobTriggered = "job.triggered"
	JobStarted   = "job.started"
	JobSucceeded = "job.succeeded"
	JobFailed    = "job.failed"
	JobKilled    = "job.killed"
	JobSkipped   = "job.skipped"

	QueueEnqueued = "queue.enqueued"
	QueueRejected = "queue.rejected"
	QueueReaped   = "queue.reaped"

	EngineDropped = "engine.dropped"

	ConfigApplied = "config.applied"

	NotifySent    = "notify.sent"
	NotifyFailed  = "notify.failed"
	NotifyDropped = "notify.dropped"
)

// RunInfo is the payload of Job* events.
type RunInfo struct {
	Job      string        `json:"job"`
	RunID    string        `json:"run_id,omitempty"`
	Target   string        `json:"target,omitempty"`
	Mode     string        `json:"mode,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// QueueRejection is the payload of queue.rejected events.
type QueueRejection struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}
