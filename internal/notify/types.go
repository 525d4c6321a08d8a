package notify

import (
	"time"

	"cadence/internal/eventbus"
)

// DefaultEvents are reported when Config.Events is empty.
var DefaultEvents = []string{eventbus.JobFailed, eventbus.JobKilled, eventbus.QueueRejected}

type Config struct {
	Enabled  bool
	ChatID   int64
	ThreadID int
	Events   []string

	RatePerSec float64
	QueueSize  int
	// RetryMax is the number of resends after a failure. Zero means the
	// default of 2, negative means none.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses repeats of the same job and event type.
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if len(c.Events) == 0 {
		c.Events = DefaultEvents
	}
	return c
}

// Message is one outgoing notification.
type Message struct {
	ChatID   int64
	ThreadID int
	Text     string
	// Key groups messages for dedup; empty disables dedup.
	Key string
}

type HistoryItem struct {
	At   time.Time
	Text string
	Err  string
}
