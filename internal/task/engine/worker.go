package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"applaunch/internal/eventbus"
	logx "applaunch/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		s.releaseState(qt)
		s.onStaleDropped(start, qt.task, queueDelay)
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		s.finish(qt, Result{Err: ErrStale})
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Duration("queue_delay", queueDelay))
	eventbus.Emit(s.bus, eventbus.TaskStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay})

	attempts := 0
	op := func() error {
		attempts++
		err := s.runAttempt(ctx, qt)
		if err != nil && IsNoRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempts+1), logx.Duration("delay", next), logx.Err(err))
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(retryBackOff(qt.opt), uint64(qt.opt.RetryMax)), ctx)
	err := backoff.RetryNotify(op, policy, notify)

	var nr noRetryError
	if errors.As(err, &nr) {
		err = nr.err
	}
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrStopped, err)
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		eventbus.Emit(s.bus, eventbus.TaskFailed, ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		eventbus.Emit(s.bus, eventbus.TaskFinished, ev)
	}
	s.record(item)

	// Release before Done so the callback may enqueue the same key again.
	s.releaseState(qt)
	s.finish(qt, Result{Attempts: attempts, Duration: dur, Err: err})
}

// runAttempt runs the task once under its timeout. A panic becomes the
// attempt's error so one bad task cannot kill a worker.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func retryBackOff(opt TaskOptions) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opt.RetryBase
	bo.MaxInterval = opt.RetryMaxDelay
	bo.RandomizationFactor = opt.RetryJitter
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
