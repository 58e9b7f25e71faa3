package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"applaunch/internal/eventbus"
	"applaunch/internal/storage"
	"applaunch/internal/task/engine"
	logx "applaunch/pkg/logx"
)

type fakeTargets struct {
	mu        sync.Mutex
	known     map[string]string
	launchErr error
	launched  []string
}

func newFakeTargets(refs ...string) *fakeTargets {
	f := &fakeTargets{known: map[string]string{}}
	for _, r := range refs {
		f.known[r] = "Label " + r
	}
	return f
}

func (f *fakeTargets) Exists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.known[ref]
	return ok, nil
}

func (f *fakeTargets) DisplayName(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[ref], nil
}

func (f *fakeTargets) Launch(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launched = append(f.launched, ref)
	return nil
}

func (f *fakeTargets) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

type call struct {
	op      string
	key     string
	delay   time.Duration
	payload map[string]string
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (b *fakeBackend) Schedule(_ context.Context, key string, delay time.Duration, payload map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{op: "schedule", key: key, delay: delay, payload: payload})
	return b.err
}

func (b *fakeBackend) Cancel(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{op: "cancel", key: key})
	return b.err
}

func (b *fakeBackend) last() call {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		return call{}
	}
	return b.calls[len(b.calls)-1]
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

var epoch = time.UnixMilli(0)

type fixture struct {
	repo    *Repository
	store   *storage.Store
	targets *fakeTargets
	backend *fakeBackend
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := fixture{store: st, targets: newFakeTargets("exec:a", "exec:b"), backend: &fakeBackend{}}
	opts = append([]Option{WithClock(func() time.Time { return epoch })}, opts...)
	f.repo = New(Config{DeliveryBackoff: time.Millisecond}, st, f.targets, f.backend, opts...)
	return f
}

func at(ms int64) time.Time { return time.UnixMilli(ms) }

func TestScenarios(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const minute = int64(60 * 1000)

	t.Run("4 minutes apart conflicts", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repo.Create(ctx, "exec:a", "", at(1_000_000))
		require.NoError(t, err)
		_, err = f.repo.Create(ctx, "exec:b", "", at(1_000_000+4*minute))
		require.ErrorIs(t, err, ErrScheduleConflict)

		var ce *ConflictError
		require.ErrorAs(t, err, &ce)
		require.True(t, ce.Retryable)
		require.Equal(t, "Schedule conflict: Another app is scheduled within 5 minutes", ce.Message)
		require.Equal(t, KindConflict, KindOf(err))
	})

	t.Run("6 minutes apart both succeed", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repo.Create(ctx, "exec:a", "", at(1_000_000))
		require.NoError(t, err)
		_, err = f.repo.Create(ctx, "exec:b", "", at(1_000_000+6*minute))
		require.NoError(t, err)
	})

	t.Run("cancelled record does not conflict", func(t *testing.T) {
		f := newFixture(t)
		id1, err := f.repo.Create(ctx, "exec:a", "", at(1_000_000))
		require.NoError(t, err)
		require.NoError(t, f.repo.Cancel(ctx, id1))
		id2, err := f.repo.Create(ctx, "exec:a", "", at(1_000_000))
		require.NoError(t, err)
		require.Greater(t, id2, id1)
	})

	t.Run("past time is stored but not queued", func(t *testing.T) {
		f := newFixture(t, WithClock(func() time.Time { return at(2_000_000) }))
		id, err := f.repo.Create(ctx, "exec:a", "", at(1_000_000))
		require.NoError(t, err)

		c := f.backend.last()
		require.Equal(t, "schedule", c.op)
		require.LessOrEqual(t, c.delay, time.Duration(0))

		rec, err := f.repo.GetByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusScheduled, StatusOf(rec))
	})

	t.Run("cancel after execute is invalid", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.repo.Create(ctx, "exec:a", "", at(1_000_000))
		require.NoError(t, err)
		require.NoError(t, f.repo.MarkExecuted(ctx, id))
		err = f.repo.Cancel(ctx, id)
		require.ErrorIs(t, err, ErrInvalidState)
		require.Equal(t, KindInvalidState, KindOf(err))
	})

	t.Run("conflicting update leaves time unchanged", func(t *testing.T) {
		f := newFixture(t)
		id1, err := f.repo.Create(ctx, "exec:a", "", at(1_000_000))
		require.NoError(t, err)
		_, err = f.repo.Create(ctx, "exec:b", "", at(1_000_000+20*minute))
		require.NoError(t, err)

		err = f.repo.Update(ctx, id1, at(1_000_000+18*minute))
		require.ErrorIs(t, err, ErrScheduleConflict)
		rec, err := f.repo.GetByID(ctx, id1)
		require.NoError(t, err)
		require.True(t, rec.ScheduledAt.Equal(at(1_000_000)))
	})
}

func TestCreateQueuesDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)

	rec, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Label exec:a", rec.DisplayName)
	require.True(t, rec.CreatedAt.Equal(epoch))

	c := f.backend.last()
	require.Equal(t, call{op: "schedule", key: Key(id), delay: time.Hour, payload: map[string]string{"schedule_id": "1"}}, c)
}

func TestCreateUnknownTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.repo.Create(context.Background(), "exec:nope", "Nope", epoch.Add(time.Hour))
	require.ErrorIs(t, err, ErrTargetNotFound)
	require.Equal(t, KindTargetNotFound, KindOf(err))

	all, err := f.repo.ListAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
	require.Zero(t, f.backend.count())
}

func TestUpdateExcludesSelf(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.repo.Update(ctx, id, epoch.Add(time.Hour+time.Minute)))

	rec, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.ScheduledAt.Equal(epoch.Add(time.Hour+time.Minute)))
	require.Equal(t, "schedule", f.backend.last().op)
	require.Equal(t, time.Hour+time.Minute, f.backend.last().delay)
}

func TestUpdateIntoPastWithdrawsDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.repo.Update(ctx, id, epoch.Add(-time.Hour)))
	require.Equal(t, call{op: "cancel", key: Key(id)}, f.backend.last())
}

func TestUpdateErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	err := f.repo.Update(ctx, 42, epoch.Add(time.Hour))
	require.ErrorIs(t, err, ErrNotFound)

	id, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.repo.Cancel(ctx, id))
	err = f.repo.Update(ctx, id, epoch.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.ErrorIs(t, f.repo.Cancel(ctx, 7), ErrNotFound)

	id, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.repo.Cancel(ctx, id))
	calls := f.backend.count()
	require.Equal(t, call{op: "cancel", key: Key(id)}, f.backend.last())

	require.NoError(t, f.repo.Cancel(ctx, id))
	require.Equal(t, calls, f.backend.count(), "second cancel does not touch the backend")
}

func TestMonotonicity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	cancelled, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.repo.Cancel(ctx, cancelled))
	require.ErrorIs(t, f.repo.MarkExecuted(ctx, cancelled), ErrInvalidState)

	executed, err := f.repo.Create(ctx, "exec:b", "", epoch.Add(2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.repo.MarkExecuted(ctx, executed))
	require.NoError(t, f.repo.MarkExecuted(ctx, executed))
	require.ErrorIs(t, f.repo.Cancel(ctx, executed), ErrInvalidState)
	require.ErrorIs(t, f.repo.Update(ctx, executed, epoch.Add(3*time.Hour)), ErrInvalidState)

	require.ErrorIs(t, f.repo.MarkExecuted(ctx, 999), ErrNotFound)

	a, _ := f.repo.GetByID(ctx, cancelled)
	b, _ := f.repo.GetByID(ctx, executed)
	require.Equal(t, StatusCancelled, StatusOf(a))
	require.Equal(t, StatusExecuted, StatusOf(b))
}

func TestExecutedRecordFreesWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.repo.MarkExecuted(ctx, id))
	_, err = f.repo.Create(ctx, "exec:b", "", epoch.Add(time.Hour))
	require.NoError(t, err)
}

func TestDeliveryFailureIsNotReturned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.ScheduleDeliveryFailed)
	defer unsub()

	f := newFixture(t, WithBus(bus))
	f.backend.err = errors.New("queue down")

	id, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, DefaultDeliveryRetries+1, f.backend.count())

	select {
	case e := <-events:
		ev := e.Data.(eventbus.ScheduleEvent)
		require.Equal(t, id, ev.ID)
		require.Contains(t, ev.Error, "queue down")
	case <-time.After(time.Second):
		t.Fatalf("no delivery failure event")
	}

	rec, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.Active())
}

func TestDeleteWithdrawsDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.repo.Delete(ctx, id))
	require.Equal(t, call{op: "cancel", key: Key(id)}, f.backend.last())
	require.ErrorIs(t, f.repo.Delete(ctx, id), ErrNotFound)

	_, err = f.repo.GetByID(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListFilterAndUpcoming(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	past, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(-time.Hour))
	require.NoError(t, err)
	soon, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)
	gone, err := f.repo.Create(ctx, "exec:b", "", epoch.Add(2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.repo.Cancel(ctx, gone))
	require.NoError(t, f.repo.MarkExecuted(ctx, past))

	cases := []struct {
		filter Filter
		want   []int64
	}{
		{FilterAll, []int64{past, soon, gone}},
		{FilterScheduled, []int64{soon}},
		{FilterExecuted, []int64{past}},
		{FilterCancelled, []int64{gone}},
	}
	for _, tc := range cases {
		recs, err := f.repo.List(ctx, tc.filter)
		require.NoError(t, err)
		require.Equal(t, tc.want, ids(recs), string(tc.filter))
	}

	up, err := f.repo.ListUpcoming(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{soon}, ids(up))
}

func TestWatchUpcomingFollowsWrites(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.repo.WatchUpcoming(ctx)
	select {
	case recs := <-ch:
		require.Empty(t, recs)
	case <-time.After(2 * time.Second):
		t.Fatalf("no initial snapshot")
	}

	id, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		select {
		case recs := <-ch:
			return len(recs) == 1 && recs[0].ID == id
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentCreatesKeepWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour+time.Duration(i)*time.Second))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrScheduleConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, ok)
	require.Equal(t, n-1, conflicts)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{errors.New("x"), KindUnknown},
		{storageErr("op", errors.New("disk")), KindStorage},
		{storageErr("op", ErrNotFound), KindNotFound},
		{newConflictError(epoch, time.Minute), KindConflict},
		{engine.NoRetry(ErrInvalidState), KindInvalidState},
		{ErrExecutionDelivery, KindDelivery},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if msg := newConflictError(epoch, time.Minute).Error(); msg != "Schedule conflict: Another app is scheduled within 1 minute" {
		t.Fatalf("message = %q", msg)
	}
}

func TestParseFilter(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Filter{"": FilterAll, "ALL": FilterAll, " executed ": FilterExecuted, "cancelled": FilterCancelled} {
		got, err := ParseFilter(in)
		if err != nil || got != want {
			t.Fatalf("ParseFilter(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFilter("done"); err == nil {
		t.Fatalf("expected error for unknown filter")
	}
}

func ids(recs []Record) []int64 {
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
