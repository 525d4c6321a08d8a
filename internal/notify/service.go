package notify

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"cadence/internal/eventbus"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

const (
	sendTimeout    = 10 * time.Second
	historyMax     = 100
	dedupMaxKeys   = 1000
	busSubscribeSz = 64
)

// Service forwards selected bus events to a Sender.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	events  map[string]bool
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Message
	sup       *rtsup.Supervisor
	unsub     func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notify")),
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps the live settings. Enabling a service that was never started
// takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.events = make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		s.events[e] = true
	}
	burst := max(1, int(math.Ceil(cfg.RatePerSec)))
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(burst)
}

// Start subscribes to the bus and starts the delivery loop. It is a no-op
// when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}

	q := make(chan Message, s.cfg.QueueSize)
	events, unsub := s.bus.Subscribe(busSubscribeSz)
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// Notifications are best-effort; a broken sender must not stop the app.
		rtsup.WithCancelOnError(false),
	)
	s.queue, s.unsub, s.sup, s.accepting = q, unsub, sup, true

	sup.GoRestart("listen", func(c context.Context) error {
		s.listen(c, events)
		return nil
	})
	sup.GoRestart("deliver", func(c context.Context) error {
		return s.deliverLoop(c, q)
	})
	s.log.Info("notify started", logx.Int64("chat_id", s.cfg.ChatID), logx.Strings("events", s.cfg.Events))
}

// Stop unsubscribes and drains what is queued until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q, sup, unsub := s.queue, s.sup, s.unsub
	if q == nil {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()

	unsub()
	s.sendWG.Wait()
	close(q)

	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notify stop timed out; pending messages dropped", logx.Int("pending", len(q)))
		return err
	}
	return nil
}

// Notify queues m, applying the dedup window when m.Key is set.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	if m.ChatID == 0 {
		m.ChatID = s.cfg.ChatID
	}
	if m.ThreadID == 0 {
		m.ThreadID = s.cfg.ThreadID
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if m.Key != "" && !s.dedupAllow(m.Key, window, time.Now()) {
		s.log.Debug("notification deduplicated", logx.String("key", m.Key))
		return nil
	}

	select {
	case q <- m:
		return nil
	default:
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifyDropped, Data: m.Key})
		return ErrQueueFull
	}
}

func (s *Service) listen(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !s.wants(e.Type) {
				continue
			}
			text, key, ok := Format(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, Message{Text: text, Key: key}); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Warn("notification not queued", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) wants(typ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[typ]
}

func (s *Service) deliverLoop(ctx context.Context, q <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-q:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, m)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, m Message) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(retryDelay(cfg, attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if err = lim.Wait(ctx); err != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = s.sender.Send(sctx, m)
		cancel()
		if err == nil {
			s.appendHistory(m.Text, nil)
			s.bus.Publish(eventbus.Event{Type: eventbus.NotifySent, Data: m.Key})
			return
		}
		s.log.Debug("notification send failed", logx.Int("attempt", attempt+1), logx.Err(err))
	}
	s.appendHistory(m.Text, err)
	s.bus.Publish(eventbus.Event{Type: eventbus.NotifyFailed, Data: m.Key})
	s.log.Warn("notification dropped after retries", logx.String("key", m.Key), logx.Int("attempts", cfg.RetryMax+1), logx.Err(err))
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << min(attempt-1, 16)
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	// +-30% jitter
	return time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
}

func (s *Service) dedupAllow(key string, window time.Duration, now time.Time) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	if len(s.dedup) >= dedupMaxKeys {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
		// Still full: forget everything rather than grow.
		if len(s.dedup) >= dedupMaxKeys {
			clear(s.dedup)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// History returns recent delivery attempts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string, err error) {
	it := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		it.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}
