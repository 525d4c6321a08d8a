package scheduler

import (
	"errors"
	"time"

	"cadence/internal/task/engine"
	"cadence/pkg/logx"
)

const dispatchWarnThrottle = 5 * time.Second

var (
	errSkipped      = errors.New("trigger skipped: previous run in flight")
	errShuttingDown = errors.New("dispatcher shutting down")
)

func (s *Service) reportDispatchError(name string, err error) {
	if err == nil {
		return
	}
	// The engine refuses work while it stops; that is part of shutdown.
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		s.log.Debug("job dispatch refused", logx.String("job", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < dispatchWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	// Queue full or an unreachable queue store can be bursty.
	s.log.Warn("job failed to dispatch", logx.String("job", name), logx.Err(err))
}
