package schedule

import (
	"context"
	"fmt"
	"strconv"

	"applaunch/internal/eventbus"
	"applaunch/internal/metrics"
	"applaunch/internal/task/engine"
	logx "applaunch/pkg/logx"
)

// Fire is the deferred backend's handler for "schedule_<id>" tasks.
//
// A missing, cancelled or executed record ends delivery without side
// effects. A launch error is returned as retryable so the engine tries a
// few more times. Once the target has launched, a failure to record it is
// returned as permanent so the launch is never repeated.
func (r *Repository) Fire(ctx context.Context, key string, payload map[string]string) error {
	id, err := fireID(key, payload)
	if err != nil {
		r.metrics.IncFire(metrics.FireSkipped)
		return engine.NoRetry(err)
	}
	log := r.log.With(logx.Int64("id", id))

	rec, err := r.store.GetByID(ctx, id)
	if err != nil {
		return storageErr("fire: get", err)
	}
	if skip := skipReason(rec); skip != "" {
		log.Info("fire skipped", logx.String("reason", skip))
		r.metrics.IncFire(metrics.FireSkipped)
		return engine.NoRetry(fmt.Errorf("schedule %d %s", id, skip))
	}

	if err := r.targets.Launch(ctx, rec.TargetRef); err != nil {
		log.Warn("launch failed", logx.String("target", rec.TargetRef), logx.Err(err))
		r.metrics.IncFire(metrics.FireLaunchFailed)
		r.emit(eventbus.ScheduleFireFailed, *rec, err)
		return fmt.Errorf("launch %s: %w", rec.TargetRef, err)
	}

	if err := r.MarkExecuted(ctx, id); err != nil {
		log.Error("target launched but not marked executed", logx.String("target", rec.TargetRef), logx.Err(err))
		r.metrics.IncFire(metrics.FireMarkFailed)
		r.emit(eventbus.ScheduleFireFailed, *rec, err)
		return engine.NoRetry(err)
	}
	log.Info("schedule executed", logx.String("target", rec.TargetRef))
	r.metrics.IncFire(metrics.FireExecuted)
	return nil
}

func fireID(key string, payload map[string]string) (int64, error) {
	if raw, ok := payload[payloadID]; ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("bad %s %q in task %s", payloadID, raw, key)
		}
		return id, nil
	}
	if id, ok := ParseKey(key); ok {
		return id, nil
	}
	return 0, fmt.Errorf("task %q has no schedule id", key)
}

func skipReason(rec *Record) string {
	switch {
	case rec == nil:
		return "not found"
	case rec.Cancelled:
		return "cancelled"
	case rec.Executed:
		return "already executed"
	default:
		return ""
	}
}
