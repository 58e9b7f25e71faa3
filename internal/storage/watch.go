package storage

import (
	"context"
	"time"

	logx "applaunch/pkg/logx"
)

// WatchAll emits the full record list now and after every committed
// schedule write. The channel closes when ctx is done or the store closes.
func (s *Store) WatchAll(ctx context.Context) <-chan []ScheduleRecord {
	return s.watch(ctx, "all", func(ctx context.Context) ([]ScheduleRecord, error) {
		return s.ListAll(ctx)
	})
}

// WatchActiveUpcoming is WatchAll restricted to ListActiveUpcoming. now is
// read on every emission, so records drop out once they are past only when
// some later write triggers a re-query.
func (s *Store) WatchActiveUpcoming(ctx context.Context, now func() time.Time) <-chan []ScheduleRecord {
	if now == nil {
		now = time.Now
	}
	return s.watch(ctx, "upcoming", func(ctx context.Context) ([]ScheduleRecord, error) {
		return s.ListActiveUpcoming(ctx, now())
	})
}

func (s *Store) watch(ctx context.Context, name string, query func(context.Context) ([]ScheduleRecord, error)) <-chan []ScheduleRecord {
	out := make(chan []ScheduleRecord, 1)
	changes := s.changes.Subscribe(ctx)

	go func() {
		defer close(out)
		for range changes {
			if s.closed.Load() {
				return
			}
			recs, err := query(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("schedule watch query failed", logx.String("watch", name), logx.Err(err))
				continue
			}
			// Conflate: a reader that lags only sees the newest snapshot.
			select {
			case out <- recs:
				continue
			default:
			}
			select {
			case <-out:
			default:
			}
			select {
			case out <- recs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
