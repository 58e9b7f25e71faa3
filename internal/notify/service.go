package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"applaunch/internal/eventbus"
	rtsup "applaunch/internal/runtime/supervisor"
	logx "applaunch/pkg/logx"
)

var ErrDisabled = errors.New("notifier disabled")

// Sender delivers one text message. *Telegram implements it.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Config controls delivery of schedule outcomes.
type Config struct {
	Enabled    bool
	RatePerSec int           // default 1
	RetryMax   int           // default 2
	RetryBase  time.Duration // default 1s
	Location   *time.Location
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Service turns schedule events into chat messages and doubles as the
// logx Telegram sink. It is best-effort: failed sends are logged and dropped.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	sender  Sender
	limiter *rate.Limiter

	bus eventbus.Bus
	log logx.Logger
	sup *rtsup.Supervisor
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{bus: bus, log: log.With(logx.String("comp", "notify"))}
	s.Apply(cfg, sender)
	return s
}

// Apply swaps config and sender at runtime. A nil sender disables sending.
func (s *Service) Apply(cfg Config, sender Sender) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.sender = sender
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Start subscribes to schedule events. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || s.bus == nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	events, unsub := s.bus.Subscribe(64,
		eventbus.ScheduleExecuted, eventbus.ScheduleFireFailed, eventbus.ScheduleDeliveryFailed)
	sup.Go0("events", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				text := s.format(e)
				if text == "" {
					continue
				}
				if err := s.Send(ctx, text); err != nil && !errors.Is(err, ErrDisabled) && ctx.Err() == nil {
					s.log.Warn("notification dropped", logx.String("event", e.Type), logx.Err(err))
				}
			}
		}
	})
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("notify stop", logx.Err(err))
	}
}

// Send waits for the rate limiter and retries transient failures.
func (s *Service) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	cfg, sender, lim := s.cfg, s.sender, s.limiter
	s.mu.Unlock()
	if !cfg.Enabled || sender == nil {
		return ErrDisabled
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.RetryMax)), ctx)

	return backoff.Retry(func() error {
		if err := lim.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		return sender.Send(ctx, text)
	}, policy)
}

// SendLog implements logx.Sender.
func (s *Service) SendLog(ctx context.Context, text string) error {
	return s.Send(ctx, text)
}

func (s *Service) format(e eventbus.Event) string {
	ev, ok := e.Data.(eventbus.ScheduleEvent)
	if !ok {
		return ""
	}
	s.mu.Lock()
	loc := s.cfg.Location
	s.mu.Unlock()

	name := ev.DisplayName
	if name == "" {
		name = ev.TargetRef
	}
	when := ""
	if ev.ScheduledAt != 0 {
		when = " at " + time.UnixMilli(ev.ScheduledAt).In(loc).Format("2006-01-02 15:04")
	}

	switch e.Type {
	case eventbus.ScheduleExecuted:
		return fmt.Sprintf("Launched %s (schedule #%d%s)", name, ev.ID, when)
	case eventbus.ScheduleFireFailed:
		return fmt.Sprintf("Failed to launch %s (schedule #%d%s)\n%s", name, ev.ID, when, ev.Error)
	case eventbus.ScheduleDeliveryFailed:
		return fmt.Sprintf("Schedule #%d may not fire: %s", ev.ID, ev.Error)
	default:
		return ""
	}
}
