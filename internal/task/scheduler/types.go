package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"applaunch/internal/storage"
	"applaunch/internal/task/engine"
	logx "applaunch/pkg/logx"
)

// Config controls the deferred backend.
type Config struct {
	Timezone       string        // IANA TZ for logs and the sweep, e.g. "Asia/Jakarta"
	ReconcileEvery time.Duration // default 1m
	TaskTimeout    time.Duration // 0 uses the engine default
	RetryMax       int           // 0 uses the engine default, <0 disables retries
}

// Store is the durable queue.
type Store interface {
	PutDeferred(ctx context.Context, t storage.DeferredTask) error
	ListDeferred(ctx context.Context) ([]storage.DeferredTask, error)
	DeleteDeferred(ctx context.Context, key, token string) (bool, error)
}

// Executor runs fired tasks. *engine.Service implements it.
type Executor interface {
	Enqueue(t engine.Task) error
}

// Handler is invoked at fire time. Errors follow the engine's retry
// conventions (wrap permanent failures with engine.NoRetry).
type Handler func(ctx context.Context, key string, payload map[string]string) error

type pending struct {
	key     string
	token   string
	fireAt  time.Time
	payload map[string]string

	timer    *time.Timer
	inflight bool
}

type Service struct {
	// seqMu orders store writes with the matching map update, so the map
	// never holds an older token than deferred_tasks. Taken before mu.
	seqMu sync.Mutex
	mu    sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	store   Store
	exec    Executor
	handler Handler
	now     func() time.Time

	c       *cron.Cron
	running bool
	tasks   map[string]*pending

	// Enqueue error throttling, keyed by task key.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// PendingInfo is one entry of Snapshot.
type PendingInfo struct {
	Key      string    `json:"key"`
	FireAt   time.Time `json:"fire_at"`
	InFlight bool      `json:"in_flight"`
	Armed    bool      `json:"armed"`
}

type Snapshot struct {
	Running        bool          `json:"running"`
	Timezone       string        `json:"timezone"`
	ReconcileEvery time.Duration `json:"reconcile_every"`
	NextSweep      time.Time     `json:"next_sweep"`
	Pending        []PendingInfo `json:"pending"`
}
