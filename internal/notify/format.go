package notify

import (
	"fmt"
	"strings"
	"time"

	"cadence/internal/eventbus"
)

// Format renders e as a message text plus its dedup key. ok is false for
// events that carry nothing worth reporting.
func Format(e eventbus.Event) (text, key string, ok bool) {
	switch d := e.Data.(type) {
	case eventbus.RunInfo:
		return formatRun(e.Type, d), e.Type + ":" + d.Job, true
	case *eventbus.RunInfo:
		if d == nil {
			return "", "", false
		}
		return formatRun(e.Type, *d), e.Type + ":" + d.Job, true
	case eventbus.QueueRejection:
		return formatRejection(d), e.Type + ":" + d.Type, true
	default:
		return "", "", false
	}
}

func formatRun(typ string, ri eventbus.RunInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s %s", ri.Job, verb(typ))
	if ri.Attempt > 1 {
		fmt.Fprintf(&b, " (attempt %d)", ri.Attempt)
	}
	if ri.Duration > 0 {
		fmt.Fprintf(&b, " after %s", ri.Duration.Round(time.Millisecond))
	}
	if ri.Target != "" {
		fmt.Fprintf(&b, "\ntarget: %s", ri.Target)
	}
	if ri.RunID != "" {
		fmt.Fprintf(&b, "\nrun: %s", ri.RunID)
	}
	if ri.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", ri.Error)
	}
	return b.String()
}

func formatRejection(r eventbus.QueueRejection) string {
	s := fmt.Sprintf("queue message %s (%s) rejected after %d attempt(s)", r.ID, r.Type, r.Attempts)
	if r.Error != "" {
		s += "\nerror: " + r.Error
	}
	return s
}

func verb(typ string) string {
	switch typ {
	case eventbus.JobFailed:
		return "failed"
	case eventbus.JobKilled:
		return "was killed"
	case eventbus.JobSkipped:
		return "was skipped"
	case eventbus.JobSucceeded:
		return "succeeded"
	case eventbus.JobStarted:
		return "started"
	case eventbus.JobTriggered:
		return "triggered"
	}
	if i := strings.LastIndexByte(typ, '.'); i >= 0 {
		return typ[i+1:]
	}
	return typ
}
