package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine.
//
// The app layer maps config.task_engine into this struct.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap OverlapPolicy
	// RetryMax < 0 disables retries; 0 uses Config.RetryMax.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RetryJitter < 0 disables jitter; 0 uses 0.2 (20%).
	RetryJitter   float64
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	switch {
	case o.RetryJitter < 0:
		o.RetryJitter = 0
	case o.RetryJitter == 0:
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// runState gates OverlapSkipIfRunning. "Running" includes "queued", so a
// key fired twice in quick succession is only executed once.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string
	Name       string
	Key        string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Result is the final outcome of an accepted task.
type Result struct {
	ID       string
	Name     string
	Key      string
	Attempts int
	Duration time.Duration
	// Err is nil on success. It wraps ErrStopped when the engine shut down
	// before the task could finish, and ErrStale when it expired in the queue.
	Err error
}

// Task is a unit of work executed by the engine.
//
// Key groups runs for the overlap policy; it defaults to Name.
// Done, when set, is called exactly once with the final Result of a task
// that Enqueue accepted. It is never called for a rejected task.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	Done    func(Result)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	History []HistoryItem
}
