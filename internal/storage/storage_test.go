package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "applaunch/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestInsertGetUpdateDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.Insert(ctx, ScheduleRecord{TargetRef: "exec:backup", DisplayName: "Backup", ScheduledAt: base})
	require.NoError(t, err)
	require.Positive(t, id)

	got, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "exec:backup", got.TargetRef)
	require.Equal(t, "Backup", got.DisplayName)
	require.True(t, got.ScheduledAt.Equal(base))
	require.True(t, got.Active())

	got.DisplayName = "Backup v2"
	got.ScheduledAt = base.Add(time.Hour)
	require.NoError(t, s.Update(ctx, *got))

	again, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Backup v2", again.DisplayName)
	require.True(t, again.ScheduledAt.Equal(base.Add(time.Hour)))

	missing, err := s.GetByID(ctx, id+100)
	require.NoError(t, err)
	require.Nil(t, missing)

	ok, err := s.Delete(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Delete(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListOrderingAndUpcoming(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	late, _ := s.Insert(ctx, ScheduleRecord{TargetRef: "b", ScheduledAt: base.Add(2 * time.Hour)})
	early, _ := s.Insert(ctx, ScheduleRecord{TargetRef: "a", ScheduledAt: base.Add(time.Hour)})
	past, _ := s.Insert(ctx, ScheduleRecord{TargetRef: "c", ScheduledAt: base.Add(-time.Hour)})
	cancelled, _ := s.Insert(ctx, ScheduleRecord{TargetRef: "d", ScheduledAt: base.Add(3 * time.Hour)})
	_, err := s.SetCancelled(ctx, cancelled)
	require.NoError(t, err)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{past, early, late, cancelled}, ids(all))

	up, err := s.ListActiveUpcoming(ctx, base)
	require.NoError(t, err)
	require.Equal(t, []int64{early, late}, ids(up))
}

func TestExistsConflictBoundaries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	window := 5 * time.Minute

	id, err := s.Insert(ctx, ScheduleRecord{TargetRef: "a", ScheduledAt: base})
	require.NoError(t, err)

	cases := []struct {
		name    string
		at      time.Time
		exclude int64
		want    bool
	}{
		{"same instant", base, 0, true},
		{"exactly window after", base.Add(window), 0, true},
		{"exactly window before", base.Add(-window), 0, true},
		{"just outside", base.Add(window + time.Millisecond), 0, false},
		{"excluded self", base, id, false},
	}
	for _, tc := range cases {
		got, err := s.ExistsConflict(ctx, tc.at.Add(-window), tc.at.Add(window), tc.exclude)
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, got, tc.name)
	}

	ok, err := s.SetExecuted(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := s.ExistsConflict(ctx, base.Add(-window), base.Add(window), 0)
	require.NoError(t, err)
	require.False(t, got, "executed records do not conflict")
}

func TestFlagTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	id, _ := s.Insert(ctx, ScheduleRecord{TargetRef: "a", ScheduledAt: base})
	ok, err := s.SetCancelled(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetCancelled(ctx, id)
	require.NoError(t, err)
	require.False(t, ok, "second cancel changes nothing")

	ok, err = s.SetExecuted(ctx, id)
	require.NoError(t, err)
	require.False(t, ok, "cancelled record cannot be executed")

	rec, _ := s.GetByID(ctx, id)
	require.True(t, rec.Cancelled)
	require.False(t, rec.Executed)
}

func TestAtomicRollbackDoesNotNotify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	before := s.Version()
	boom := errors.New("boom")
	err := s.Atomic(ctx, func(tx *Tx) error {
		if _, err := tx.Insert(ctx, ScheduleRecord{TargetRef: "a", ScheduledAt: base}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, before, s.Version())

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	err = s.Atomic(ctx, func(tx *Tx) error {
		_, err := tx.Insert(ctx, ScheduleRecord{TargetRef: "a", ScheduledAt: base})
		if err != nil {
			return err
		}
		_, err = tx.Insert(ctx, ScheduleRecord{TargetRef: "b", ScheduledAt: base.Add(time.Hour)})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, before+1, s.Version(), "one notification per commit")
}

func TestWatchAllEmitsOnCommit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.WatchAll(ctx)
	first := recv(t, ch)
	require.Empty(t, first)

	_, err := s.Insert(ctx, ScheduleRecord{TargetRef: "a", ScheduledAt: base})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case recs := <-ch:
			return len(recs) == 1
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchClosesWithStore(t *testing.T) {
	t.Parallel()
	s, err := Open(context.Background(), Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)

	ch := s.WatchActiveUpcoming(context.Background(), func() time.Time { return base })
	recv(t, ch)
	require.NoError(t, s.Close())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, s.Ping(context.Background()), ErrClosed)
}

func TestDeferredTokenGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.PutDeferred(ctx, DeferredTask{
		Key: "schedule_1", Token: "t1", FireAt: base, Payload: map[string]string{"schedule_id": "1"},
	}))
	require.NoError(t, s.PutDeferred(ctx, DeferredTask{Key: "schedule_1", Token: "t2", FireAt: base.Add(time.Minute)}))
	require.NoError(t, s.PutDeferred(ctx, DeferredTask{Key: "schedule_0", Token: "t0", FireAt: base.Add(-time.Minute)}))

	list, err := s.ListDeferred(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "schedule_0", list[0].Key)

	got, err := s.GetDeferred(ctx, "schedule_1")
	require.NoError(t, err)
	require.Equal(t, "t2", got.Token)
	require.Empty(t, got.Payload, "replace overwrites the payload")

	ok, err := s.DeleteDeferred(ctx, "schedule_1", "t1")
	require.NoError(t, err)
	require.False(t, ok, "stale token must not delete the replacement")

	ok, err = s.DeleteDeferred(ctx, "schedule_1", "t2")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.DeleteDeferred(ctx, "schedule_0", "")
	require.NoError(t, err)
	require.True(t, ok)

	none, err := s.GetDeferred(ctx, "schedule_1")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestMigrationBackfillsDisplayName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := sql.Open("sqlite", dsn(":memory:", 0))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	require.NoError(t, migrate(ctx, db, 1, logx.Nop()))
	_, err = db.ExecContext(ctx,
		`INSERT INTO scheduled_apps(target_ref, scheduled_time, created_at) VALUES(?,?,?)`,
		"exec:legacy", base.UnixMilli(), base.UnixMilli())
	require.NoError(t, err)

	require.NoError(t, migrate(ctx, db, SchemaVersion(), logx.Nop()))
	v, err := currentVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, SchemaVersion(), v)

	var name string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT display_name FROM scheduled_apps`).Scan(&name))
	require.Equal(t, "exec:legacy", name)

	// Re-running is a no-op.
	require.NoError(t, migrate(ctx, db, SchemaVersion(), logx.Nop()))
}

func TestDSN(t *testing.T) {
	t.Parallel()

	mem := dsn(":memory:", 0)
	require.Contains(t, mem, "file::memory:?")
	require.Contains(t, mem, "busy_timeout%285000%29")
	require.NotContains(t, mem, "journal_mode")

	file := dsn("/tmp/x.db", 2*time.Second)
	require.Contains(t, file, "file:/tmp/x.db?")
	require.Contains(t, file, "busy_timeout%282000%29")
	require.Contains(t, file, "journal_mode%28WAL%29")
	require.Contains(t, file, "_txlock=immediate")
}

func TestOpenFileDatabase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := t.TempDir() + "/nested/applaunch.db"

	s, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	id, err := s.Insert(ctx, ScheduleRecord{TargetRef: "a", ScheduledAt: base})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	rec, err := s2.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func recv(t *testing.T, ch <-chan []ScheduleRecord) []ScheduleRecord {
	t.Helper()
	select {
	case recs, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return recs
	case <-time.After(2 * time.Second):
		t.Fatalf("no emission")
		return nil
	}
}

func ids(recs []ScheduleRecord) []int64 {
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
