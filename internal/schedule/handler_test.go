package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"applaunch/internal/eventbus"
	"applaunch/internal/task/engine"
)

func TestFireIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.ScheduleExecuted)
	defer unsub()
	f := newFixture(t, WithBus(bus))

	id, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)
	payload := f.backend.last().payload

	require.NoError(t, f.repo.Fire(ctx, Key(id), payload))
	err = f.repo.Fire(ctx, Key(id), payload)
	require.Error(t, err)
	require.True(t, engine.IsNoRetry(err), "duplicate delivery must not be retried")
	require.Equal(t, 1, f.targets.launches())

	rec, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, StatusOf(rec))

	select {
	case e := <-events:
		require.Equal(t, id, e.Data.(eventbus.ScheduleEvent).ID)
	case <-time.After(time.Second):
		t.Fatalf("no executed event")
	}
}

func TestFireSkipsWithoutSideEffects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	cancelled, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.repo.Cancel(ctx, cancelled))

	cases := []struct {
		name    string
		key     string
		payload map[string]string
	}{
		{"missing", Key(404), nil},
		{"cancelled", Key(cancelled), map[string]string{"schedule_id": "1"}},
		{"bad payload", Key(cancelled), map[string]string{"schedule_id": "x"}},
		{"bad key", "other_1", nil},
	}
	for _, tc := range cases {
		err := f.repo.Fire(ctx, tc.key, tc.payload)
		require.Error(t, err, tc.name)
		require.True(t, engine.IsNoRetry(err), tc.name)
	}
	require.Zero(t, f.targets.launches())

	rec, err := f.repo.GetByID(ctx, cancelled)
	require.NoError(t, err)
	require.False(t, rec.Executed)
}

func TestFireLaunchFailureIsRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.targets.launchErr = errors.New("exec format error")

	id, err := f.repo.Create(ctx, "exec:a", "", epoch.Add(time.Hour))
	require.NoError(t, err)

	err = f.repo.Fire(ctx, Key(id), nil)
	require.Error(t, err)
	require.False(t, engine.IsNoRetry(err))

	rec, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.Active(), "a failed launch is not marked executed")
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()

	if Key(12) != "schedule_12" {
		t.Fatalf("Key(12) = %q", Key(12))
	}
	for key, want := range map[string]int64{"schedule_12": 12, "schedule_": 0, "schedule_-1": 0, "job_3": 0} {
		got, ok := ParseKey(key)
		if got != want && ok {
			t.Fatalf("ParseKey(%q) = %d", key, got)
		}
		if ok != (want != 0) {
			t.Fatalf("ParseKey(%q) ok = %v", key, ok)
		}
	}
}
