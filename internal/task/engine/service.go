package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"applaunch/internal/eventbus"
	rtsup "applaunch/internal/runtime/supervisor"
	logx "applaunch/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q chan queuedTask

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*runState

	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	state *runState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: make(map[string]*runState),
	}
}

// Apply swaps the configuration. Workers are restarted when the pool shape
// changes; tasks still queued at that moment finish with ErrStopped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	// Start is idempotent; a concurrent Stop is waited out.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	s.inFlight.Store(0)

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		// A worker failure must not take the daemon down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		// Wait unbounded in background; the caller can still time out.
		_ = sup.Wait(context.Background())
		s.drain(queue)
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// drain settles tasks that never reached a worker.
func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			s.releaseState(qt)
			s.finish(qt, Result{Err: ErrStopped})
		default:
			return
		}
	}
}

// Enqueue adds a task without blocking. A full queue drops it.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.Key) == "" {
		t.Key = t.Name
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	var st *runState
	if opt.Overlap == OverlapSkipIfRunning {
		st = s.stateFor(t.Key)
		if !st.tryAcquire() {
			eventbus.Emit(s.bus, eventbus.TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("key", t.Key))
			return ErrOverlapSkip
		}
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st}
	select {
	case q <- qt:
		return nil
	default:
		s.releaseState(qt)
		s.onQueueFullDropped(now, t, q)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
}

func (s *Service) stateFor(key string) *runState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &runState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) releaseState(qt queuedTask) {
	if qt.state != nil {
		qt.state.release()
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

// finish reports the final outcome to the task's Done callback.
func (s *Service) finish(qt queuedTask, res Result) {
	if qt.task.Done == nil {
		return
	}
	res.ID, res.Name, res.Key = qt.task.ID, qt.task.Name, qt.task.Key
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task done callback panicked", logx.String("task", qt.task.Name), logx.Any("panic", r))
		}
	}()
	qt.task.Done(res)
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	s.dropped.Add(1)
	s.droppedQueueFull.Add(1)

	eventbus.Emit(s.bus, eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, Error: "queue_full"})

	if shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	s.dropped.Add(1)
	s.droppedStale.Add(1)

	eventbus.Emit(s.bus, eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})

	if shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
}
