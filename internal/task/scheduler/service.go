package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"applaunch/internal/storage"
	"applaunch/internal/task/engine"
	logx "applaunch/pkg/logx"
)

const storeTimeout = 5 * time.Second

func New(cfg Config, store Store, exec Executor, handler Handler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = time.Minute
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		store:       store,
		exec:        exec,
		handler:     handler,
		now:         time.Now,
		tasks:       map[string]*pending{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// Schedule durably enqueues key to fire after delay, replacing any pending
// task with the same key. A non-positive delay is ignored: the moment has
// already passed and a stale launch is worse than none.
func (s *Service) Schedule(ctx context.Context, key string, delay time.Duration, payload map[string]string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("deferred task key is required")
	}
	if delay <= 0 {
		s.log.Debug("deferred task ignored: fire time not in the future", logx.String("key", key), logx.Duration("delay", delay))
		return nil
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	now := s.now()
	p := &pending{
		key:     key,
		token:   uuid.NewString(),
		fireAt:  now.Add(delay),
		payload: maps.Clone(payload),
	}
	if err := s.store.PutDeferred(ctx, storage.DeferredTask{
		Key:       p.key,
		Token:     p.token,
		FireAt:    p.fireAt,
		Payload:   p.payload,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("persist deferred task %s: %w", key, err)
	}

	s.mu.Lock()
	if prev := s.tasks[key]; prev != nil {
		stopTimer(prev)
	}
	s.tasks[key] = p
	if s.running {
		s.armLocked(p)
	}
	loc := s.locLocked()
	s.mu.Unlock()

	s.log.Debug("deferred task scheduled", logx.String("key", key), logx.String("fire_at", p.fireAt.In(loc).Format(time.RFC3339)))
	return nil
}

// Cancel removes key. A task that has already been handed to the engine
// keeps running.
func (s *Service) Cancel(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	s.mu.Lock()
	if p := s.tasks[key]; p != nil {
		stopTimer(p)
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	if _, err := s.store.DeleteDeferred(ctx, key, ""); err != nil {
		return fmt.Errorf("delete deferred task %s: %w", key, err)
	}
	s.log.Debug("deferred task cancelled", logx.String("key", key))
	return nil
}

// Start re-arms every durable task (overdue ones fire immediately) and
// starts the reconcile sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("@every "+s.cfg.ReconcileEvery.String(), func() { s.sweep() }); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("register reconcile sweep: %w", err)
	}
	s.c = c
	s.running = true
	s.mu.Unlock()

	n, err := s.Reconcile(ctx)
	if err != nil {
		s.log.Warn("initial reconcile failed", logx.Err(err))
	}
	c.Start()
	s.log.Info("deferred backend started", logx.String("tz", loc.String()), logx.Int("restored", n), logx.Duration("reconcile_every", s.cfg.ReconcileEvery))
	return nil
}

// Stop stops the sweep and every timer. Durable rows stay, so the next
// Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	for _, p := range s.tasks {
		stopTimer(p)
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("deferred backend stopped", logx.Duration("took", time.Since(start)))
}

// Reconcile loads the durable queue and arms every task that has no live
// timer and is not running. It returns the number of tasks armed.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	rows, err := s.store.ListDeferred(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0, nil
	}
	armed := 0
	for _, row := range rows {
		p := s.tasks[row.Key]
		if p == nil || p.token != row.Token {
			if p != nil {
				stopTimer(p)
			}
			p = &pending{key: row.Key, token: row.Token, fireAt: row.FireAt, payload: row.Payload}
			s.tasks[row.Key] = p
		}
		if p.timer != nil || p.inflight {
			continue
		}
		s.armLocked(p)
		armed++
	}
	return armed, nil
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	n, err := s.Reconcile(ctx)
	if err != nil {
		s.log.Warn("reconcile sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("reconcile sweep re-armed tasks", logx.Int("armed", n))
	}
}

// Pending is the number of durable tasks known to the backend.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Service) armLocked(p *pending) {
	delay := max(p.fireAt.Sub(s.now()), 0)
	key, token := p.key, p.token
	p.timer = time.AfterFunc(delay, func() { s.fire(key, token) })
}

func stopTimer(p *pending) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (s *Service) fire(key, token string) {
	s.mu.Lock()
	p := s.tasks[key]
	if !s.running || p == nil || p.token != token || p.inflight {
		s.mu.Unlock()
		return
	}
	p.timer = nil
	p.inflight = true
	payload := maps.Clone(p.payload)
	timeout := s.cfg.TaskTimeout
	retryMax := s.cfg.RetryMax
	s.mu.Unlock()

	err := s.exec.Enqueue(engine.Task{
		Name:    key,
		Key:     key,
		Timeout: timeout,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: retryMax},
		Run: func(ctx context.Context) error {
			return s.handler(ctx, key, payload)
		},
		Done: func(res engine.Result) { s.settle(key, token, res) },
	})
	if err != nil {
		// The row stays; the next sweep fires it again.
		s.release(key, token)
		s.reportEnqueueError(key, err)
	}
}

// settle applies the engine's final outcome. Outcomes caused by the engine
// going away leave the row for a later attempt.
func (s *Service) settle(key, token string, res engine.Result) {
	if errors.Is(res.Err, engine.ErrStopped) || errors.Is(res.Err, engine.ErrStale) {
		s.release(key, token)
		s.log.Info("deferred task interrupted; will retry", logx.String("key", key), logx.Err(res.Err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	s.seqMu.Lock()
	if _, err := s.store.DeleteDeferred(ctx, key, token); err != nil {
		// Redelivery is harmless: the handler refuses records it already handled.
		s.log.Warn("deferred task row not removed", logx.String("key", key), logx.Err(err))
	}
	s.mu.Lock()
	if p := s.tasks[key]; p != nil && p.token == token {
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	s.seqMu.Unlock()

	if res.Err != nil {
		s.log.Warn("deferred task failed", logx.String("key", key), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
		return
	}
	s.log.Debug("deferred task done", logx.String("key", key), logx.Int("attempts", res.Attempts), logx.Duration("dur", res.Duration))
}

func (s *Service) release(key, token string) {
	s.mu.Lock()
	if p := s.tasks[key]; p != nil && p.token == token {
		p.inflight = false
	}
	s.mu.Unlock()
}

func (s *Service) locLocked() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return time.Local
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
