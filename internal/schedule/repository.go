package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"applaunch/internal/eventbus"
	"applaunch/internal/metrics"
	"applaunch/internal/storage"
	"applaunch/internal/target"
	logx "applaunch/pkg/logx"
)

const (
	DefaultBufferWindow    = 5 * time.Minute
	DefaultDeliveryRetries = 3

	keyPrefix       = "schedule_"
	payloadID       = "schedule_id"
	deliveryTimeout = 10 * time.Second
)

// ExecutionBackend is the deferred runner that fires schedules.
// *scheduler.Service implements it.
type ExecutionBackend interface {
	Schedule(ctx context.Context, key string, delay time.Duration, payload map[string]string) error
	Cancel(ctx context.Context, key string) error
}

type Config struct {
	BufferWindow    time.Duration // default 5m
	DeliveryRetries int           // default 3; <0 disables retries
	DeliveryBackoff time.Duration // first retry delay, default 200ms
}

func (c Config) withDefaults() Config {
	if c.BufferWindow <= 0 {
		c.BufferWindow = DefaultBufferWindow
	}
	if c.DeliveryRetries == 0 {
		c.DeliveryRetries = DefaultDeliveryRetries
	}
	if c.DeliveryRetries < 0 {
		c.DeliveryRetries = 0
	}
	if c.DeliveryBackoff <= 0 {
		c.DeliveryBackoff = 200 * time.Millisecond
	}
	return c
}

type Option func(*Repository)

func WithLogger(log logx.Logger) Option { return func(r *Repository) { r.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(r *Repository) { r.bus = bus } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Repository) { r.metrics = m } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

type Repository struct {
	cfg     Config
	store   *storage.Store
	targets target.Resolver
	backend ExecutionBackend

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(cfg Config, store *storage.Store, targets target.Resolver, backend ExecutionBackend, opts ...Option) *Repository {
	r := &Repository{
		cfg:     cfg.withDefaults(),
		store:   store,
		targets: targets,
		backend: backend,
		log:     logx.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(logx.String("comp", "schedule"))
	return r
}

// Key is the deferred task key of schedule id.
func Key(id int64) string { return keyPrefix + strconv.FormatInt(id, 10) }

// ParseKey is the inverse of Key.
func ParseKey(key string) (int64, bool) {
	s, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil && id > 0
}

// BufferWindow is the minimum separation between active schedules.
func (r *Repository) BufferWindow() time.Duration { return r.cfg.BufferWindow }

// Create stores a new active schedule for targetRef at at and queues its
// delivery. An empty displayName is resolved from the target.
func (r *Repository) Create(ctx context.Context, targetRef, displayName string, at time.Time) (int64, error) {
	ref := strings.TrimSpace(targetRef)
	if n, ok := r.targets.(interface{ Normalize(string) string }); ok && ref != "" {
		ref = n.Normalize(ref)
	}
	if ref == "" {
		return 0, fmt.Errorf("empty target: %w", ErrTargetNotFound)
	}
	ok, err := r.targets.Exists(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("check target %q: %w", ref, err)
	}
	if !ok {
		return 0, fmt.Errorf("%q: %w", ref, ErrTargetNotFound)
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name, err = r.targets.DisplayName(ctx, ref)
		if err != nil || strings.TrimSpace(name) == "" {
			r.log.Debug("display name lookup failed, using ref", logx.String("target", ref), logx.Err(err))
			name = ref
		}
	}

	rec := Record{TargetRef: ref, DisplayName: name, ScheduledAt: at, CreatedAt: r.now()}
	err = r.store.Atomic(ctx, func(tx *storage.Tx) error {
		if err := r.checkConflict(ctx, tx, at, 0); err != nil {
			return err
		}
		id, err := tx.Insert(ctx, rec)
		rec.ID = id
		return err
	})
	if err != nil {
		return 0, r.writeErr("create", err)
	}

	r.metrics.IncCreated()
	r.log.Info("schedule created",
		logx.Int64("id", rec.ID), logx.String("target", ref), logx.Time("at", at))
	r.emit(eventbus.ScheduleCreated, rec, nil)
	r.deliver(ctx, rec)
	return rec.ID, nil
}

// Update moves an active schedule to at. Other fields are unchanged.
func (r *Repository) Update(ctx context.Context, id int64, at time.Time) error {
	var rec Record
	err := r.store.Atomic(ctx, func(tx *storage.Tx) error {
		cur, err := r.activeRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := r.checkConflict(ctx, tx, at, id); err != nil {
			return err
		}
		cur.ScheduledAt = at
		rec = *cur
		return tx.Update(ctx, rec)
	})
	if err != nil {
		return r.writeErr("update", err)
	}

	r.log.Info("schedule updated", logx.Int64("id", id), logx.Time("at", at))
	r.emit(eventbus.ScheduleUpdated, rec, nil)
	if at.After(r.now()) {
		r.deliver(ctx, rec)
		return nil
	}
	// A time in the past never fires; drop the task queued for the old time.
	r.log.Info("schedule moved into the past, withdrawing delivery", logx.Int64("id", id))
	r.withdraw(ctx, id)
	return nil
}

// Cancel marks a schedule cancelled and withdraws its deferred task.
// Cancelling an already cancelled schedule succeeds without effect.
func (r *Repository) Cancel(ctx context.Context, id int64) error {
	var (
		rec     Record
		changed bool
	)
	err := r.store.Atomic(ctx, func(tx *storage.Tx) error {
		cur, err := tx.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
		}
		if cur.Executed {
			return fmt.Errorf("schedule %d is executed: %w", id, ErrInvalidState)
		}
		if cur.Cancelled {
			return nil
		}
		rec = *cur
		rec.Cancelled = true
		changed, err = tx.SetCancelled(ctx, id)
		return err
	})
	if err != nil {
		return r.writeErr("cancel", err)
	}
	if !changed {
		return nil
	}

	r.metrics.IncCancelled()
	r.log.Info("schedule cancelled", logx.Int64("id", id))
	r.emit(eventbus.ScheduleCancelled, rec, nil)
	r.withdraw(ctx, id)
	return nil
}

// MarkExecuted flags a schedule executed. It is called by Fire after a
// successful launch and skips the conflict check. A cancelled schedule is
// refused with ErrInvalidState; an executed one is left as is.
func (r *Repository) MarkExecuted(ctx context.Context, id int64) error {
	var (
		rec     Record
		changed bool
	)
	err := r.store.Atomic(ctx, func(tx *storage.Tx) error {
		cur, err := tx.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
		}
		if cur.Cancelled {
			return fmt.Errorf("schedule %d is cancelled: %w", id, ErrInvalidState)
		}
		rec = *cur
		rec.Executed = true
		changed, err = tx.SetExecuted(ctx, id)
		return err
	})
	if err != nil {
		return r.writeErr("mark executed", err)
	}
	if changed {
		r.emit(eventbus.ScheduleExecuted, rec, nil)
	}
	return nil
}

// Delete removes a schedule row and its deferred task. It is an
// administrative operation; ids are never reused after it.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	ok, err := r.store.Delete(ctx, id)
	if err != nil {
		return storageErr("delete", err)
	}
	if !ok {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	r.log.Info("schedule deleted", logx.Int64("id", id))
	r.withdraw(ctx, id)
	return nil
}

// GetByID returns ErrNotFound when id does not exist.
func (r *Repository) GetByID(ctx context.Context, id int64) (Record, error) {
	rec, err := r.store.GetByID(ctx, id)
	if err != nil {
		return Record{}, storageErr("get", err)
	}
	if rec == nil {
		return Record{}, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return *rec, nil
}

func (r *Repository) ListAll(ctx context.Context) ([]Record, error) {
	recs, err := r.store.ListAll(ctx)
	return recs, storageErr("list", err)
}

// ListUpcoming returns non-cancelled schedules later than now.
func (r *Repository) ListUpcoming(ctx context.Context) ([]Record, error) {
	recs, err := r.store.ListActiveUpcoming(ctx, r.now())
	return recs, storageErr("list upcoming", err)
}

func (r *Repository) List(ctx context.Context, f Filter) ([]Record, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// WatchAll streams ListAll snapshots until ctx is done.
func (r *Repository) WatchAll(ctx context.Context) <-chan []Record {
	return r.store.WatchAll(ctx)
}

// WatchUpcoming streams ListUpcoming snapshots until ctx is done.
func (r *Repository) WatchUpcoming(ctx context.Context) <-chan []Record {
	return r.store.WatchActiveUpcoming(ctx, r.now)
}

func (r *Repository) activeRecord(ctx context.Context, tx *storage.Tx, id int64) (*Record, error) {
	cur, err := tx.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	if !cur.Active() {
		return nil, fmt.Errorf("schedule %d is %s: %w", id, StatusOf(*cur), ErrInvalidState)
	}
	return cur, nil
}

func (r *Repository) checkConflict(ctx context.Context, tx *storage.Tx, at time.Time, excludeID int64) error {
	w := r.cfg.BufferWindow
	hit, err := tx.ExistsConflict(ctx, at.Add(-w), at.Add(w), excludeID)
	if err != nil {
		return err
	}
	if hit {
		return newConflictError(at, w)
	}
	return nil
}

func (r *Repository) writeErr(op string, err error) error {
	if errors.Is(err, ErrScheduleConflict) {
		r.metrics.IncConflict()
	}
	return storageErr(op, err)
}

// deliver hands rec to the backend. A non-positive delay is passed through;
// the backend treats it as a no-op.
func (r *Repository) deliver(ctx context.Context, rec Record) {
	if r.backend == nil {
		return
	}
	key := Key(rec.ID)
	delay := rec.ScheduledAt.Sub(r.now())
	payload := map[string]string{payloadID: strconv.FormatInt(rec.ID, 10)}
	r.retryDelivery(ctx, metrics.OpSchedule, rec, func(ctx context.Context) error {
		return r.backend.Schedule(ctx, key, delay, payload)
	})
}

func (r *Repository) withdraw(ctx context.Context, id int64) {
	if r.backend == nil {
		return
	}
	key := Key(id)
	r.retryDelivery(ctx, metrics.OpCancel, Record{ID: id}, func(ctx context.Context) error {
		return r.backend.Cancel(ctx, key)
	})
}

// retryDelivery runs fn with bounded backoff. The committed record stays as
// is whatever the outcome, so failures are only logged, counted and published.
func (r *Repository) retryDelivery(ctx context.Context, op string, rec Record, fn func(context.Context) error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.DeliveryBackoff
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.cfg.DeliveryRetries)), dctx)

	err := backoff.RetryNotify(func() error { return fn(dctx) }, policy, func(err error, wait time.Duration) {
		r.log.Warn("deferred delivery failed, retrying",
			logx.String("op", op), logx.Int64("id", rec.ID), logx.Duration("backoff", wait), logx.Err(err))
	})
	if err == nil {
		return
	}
	err = fmt.Errorf("%s %s: %w: %w", op, Key(rec.ID), ErrExecutionDelivery, err)
	r.metrics.IncDeliveryFailure(op)
	r.log.Error("deferred delivery failed", logx.String("op", op), logx.Int64("id", rec.ID), logx.Err(err))
	r.emit(eventbus.ScheduleDeliveryFailed, rec, err)
}

func (r *Repository) emit(typ string, rec Record, err error) {
	ev := eventbus.ScheduleEvent{
		ID:          rec.ID,
		TargetRef:   rec.TargetRef,
		DisplayName: rec.DisplayName,
	}
	if !rec.ScheduledAt.IsZero() {
		ev.ScheduledAt = rec.ScheduledAt.UnixMilli()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Emit(r.bus, typ, ev)
}
