package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cadence/internal/eventbus"
	"cadence/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	calls int
	out   chan Message
}

func newFakeSender(fails int) *fakeSender {
	return &fakeSender{fails: fails, out: make(chan Message, 16)}
}

func (f *fakeSender) Send(_ context.Context, m Message) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return errors.New("telegram: 502 bad gateway")
	}
	f.out <- m
	return nil
}

func (f *fakeSender) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-f.out:
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("no message delivered")
		return Message{}
	}
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		ChatID:      42,
		ThreadID:    7,
		RatePerSec:  100,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		event   eventbus.Event
		want    []string
		wantKey string
		ok      bool
	}{
		{
			name: "failed run",
			event: eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.RunInfo{
				Job: "backup", RunID: "r1", Target: "shell: tar czf", Attempt: 2, Duration: 1500 * time.Millisecond, Error: "exit status 1",
			}},
			want:    []string{"job backup failed", "(attempt 2)", "after 1.5s", "target: shell: tar czf", "run: r1", "error: exit status 1"},
			wantKey: "job.failed:backup",
			ok:      true,
		},
		{
			name:    "killed run pointer",
			event:   eventbus.Event{Type: eventbus.JobKilled, Data: &eventbus.RunInfo{Job: "sync"}},
			want:    []string{"job sync was killed"},
			wantKey: "job.killed:sync",
			ok:      true,
		},
		{
			name:    "queue rejection",
			event:   eventbus.Event{Type: eventbus.QueueRejected, Data: eventbus.QueueRejection{ID: "m1", Type: "job", Attempts: 3, Error: "boom"}},
			want:    []string{"queue message m1 (job) rejected after 3 attempt(s)", "error: boom"},
			wantKey: "queue.rejected:job",
			ok:      true,
		},
		{
			name:  "unknown payload",
			event: eventbus.Event{Type: eventbus.QueueReaped, Data: 3},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			text, key, ok := Format(tc.event)
			if ok != tc.ok {
				t.Fatalf("ok=%v want %v", ok, tc.ok)
			}
			if key != tc.wantKey {
				t.Fatalf("key=%q want %q", key, tc.wantKey)
			}
			for _, w := range tc.want {
				if !strings.Contains(text, w) {
					t.Fatalf("text %q missing %q", text, w)
				}
			}
		})
	}
}

func TestServiceForwardsBusEventsWithDedup(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	snd := newFakeSender(0)
	s := New(testConfig(), snd, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.JobSucceeded, Data: eventbus.RunInfo{Job: "ignored"}})
	bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.RunInfo{Job: "backup", Error: "x"}})
	bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.RunInfo{Job: "backup", Error: "y"}})
	bus.Publish(eventbus.Event{Type: eventbus.JobKilled, Data: eventbus.RunInfo{Job: "backup"}})

	m := snd.next(t)
	if !strings.Contains(m.Text, "job backup failed") || !strings.Contains(m.Text, "error: x") {
		t.Fatalf("first message = %q", m.Text)
	}
	if m.ChatID != 42 || m.ThreadID != 7 {
		t.Fatalf("target = %d/%d", m.ChatID, m.ThreadID)
	}
	if m = snd.next(t); !strings.Contains(m.Text, "was killed") {
		t.Fatalf("second message = %q, want the killed run (duplicate failure suppressed)", m.Text)
	}
}

func TestServiceRetriesFailedSends(t *testing.T) {
	t.Parallel()

	snd := newFakeSender(2)
	s := New(testConfig(), snd, logx.Nop(), eventbus.New())
	s.Start(context.Background())

	if err := s.Notify(context.Background(), Message{Text: "hello"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if m := snd.next(t); m.Text != "hello" {
		t.Fatalf("text = %q", m.Text)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h := s.History()
	if len(h) != 1 || h[0].Err != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestServiceGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	cfg := testConfig()
	cfg.RetryMax = -1
	s := New(cfg, newFakeSender(1), logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Message{Text: "x", Key: "k"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.NotifyFailed {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event", eventbus.NotifyFailed)
		}
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()

	off := New(Config{}, newFakeSender(0), logx.Nop(), nil)
	if err := off.Notify(context.Background(), Message{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: err=%v", err)
	}

	s := New(testConfig(), newFakeSender(0), logx.Nop(), nil)
	if err := s.Notify(context.Background(), Message{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: err=%v", err)
	}
	s.Start(context.Background())
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Notify(context.Background(), Message{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped: err=%v", err)
	}
}

func TestDedupAllow(t *testing.T) {
	t.Parallel()

	s := New(testConfig(), nil, logx.Nop(), nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !s.dedupAllow("a", time.Minute, now) {
		t.Fatalf("first send suppressed")
	}
	if s.dedupAllow("a", time.Minute, now.Add(30*time.Second)) {
		t.Fatalf("repeat inside window allowed")
	}
	if !s.dedupAllow("a", time.Minute, now.Add(time.Minute)) {
		t.Fatalf("repeat after window suppressed")
	}
	if !s.dedupAllow("b", time.Minute, now) {
		t.Fatalf("other key suppressed")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("héllo", 10); got != "héllo" {
		t.Fatalf("short: %q", got)
	}
	if got := truncate("héllo", 3); got != "hé…" {
		t.Fatalf("long: %q", got)
	}
}
