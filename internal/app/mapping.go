package app

import (
	"strings"
	"time"

	"applaunch/internal/config"
	"applaunch/internal/notify"
	"applaunch/internal/observability/diag"
	"applaunch/internal/schedule"
	"applaunch/internal/storage"
	"applaunch/internal/target"
	"applaunch/internal/task/engine"
	"applaunch/internal/task/scheduler"
	logx "applaunch/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}, nil
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

// mapSchedulerConfig splits the scheduler section between the repository
// (conflict window, delivery retries) and the deferred backend.
func mapSchedulerConfig(cfg *config.Config) (schedule.Config, scheduler.Config, error) {
	sc := cfg.Scheduler
	window, err := config.ParseDurationOrDefault("scheduler.buffer_window", sc.BufferWindow, schedule.DefaultBufferWindow)
	if err != nil {
		return schedule.Config{}, scheduler.Config{}, err
	}
	every, err := config.ParseDurationOrDefault("scheduler.reconcile_every", sc.ReconcileEvery, time.Minute)
	if err != nil {
		return schedule.Config{}, scheduler.Config{}, err
	}
	return schedule.Config{BufferWindow: window, DeliveryRetries: sc.DeliveryRetries},
		scheduler.Config{Timezone: strings.TrimSpace(sc.Timezone), ReconcileEvery: every},
		nil
}

func location(cfg *config.Config) *time.Location {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

// buildTargets registers the exec resolver and, when enabled, systemd.
func buildTargets(cfg *config.Config, log logx.Logger) (*target.Mux, *target.Systemd) {
	tc := cfg.Targets
	cmds := make(map[string]target.Command, len(tc.Commands))
	for name, c := range tc.Commands {
		cmds[name] = target.Command{Label: c.Label, Argv: append([]string(nil), c.Command...), Dir: c.Dir}
	}

	mux := target.NewMux(tc.DefaultScheme)
	mux.Handle(target.SchemeExec, target.NewExec(cmds, log.With(logx.String("comp", "target.exec"))))

	var sd *target.Systemd
	if tc.Systemd.Enabled {
		sd = target.NewSystemd(tc.Systemd.Patterns, log.With(logx.String("comp", "target.systemd")))
		mux.Handle(target.SchemeSystemd, sd)
	}
	return mux, sd
}

// mapNotifyConfig returns a nil sender when Telegram is disabled.
func mapNotifyConfig(cfg *config.Config) (notify.Config, notify.Sender, error) {
	n := cfg.Notify
	if n == nil || !n.Telegram.Enabled {
		return notify.Config{Location: location(cfg)}, nil, nil
	}
	tg, err := notify.NewTelegram(n.Telegram.Token, n.Telegram.ChatID, n.Telegram.ThreadID)
	if err != nil {
		return notify.Config{}, nil, err
	}
	return notify.Config{
		Enabled:    true,
		RatePerSec: n.Telegram.RatePerSec,
		Location:   location(cfg),
	}, tg, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	d := cfg.Diag
	if d == nil {
		return diag.Config{}, nil
	}
	rt, err := config.ParseDurationOrDefault("diag.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("diag.write_timeout", d.WriteTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		Metrics:       d.Metrics,
		Pprof:         d.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}
