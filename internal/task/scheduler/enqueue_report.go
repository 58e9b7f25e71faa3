package scheduler

import (
	"errors"
	"time"

	"applaunch/internal/task/engine"
	logx "applaunch/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(key string, err error) {
	if err == nil {
		return
	}
	// The same key is already queued or running.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("deferred fire skipped", logx.String("key", key), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[key]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[key] = now
	s.enqMu.Unlock()

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("deferred task not accepted; sweep will retry", logx.String("key", key), logx.Err(err))
}
