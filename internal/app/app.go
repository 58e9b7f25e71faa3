// Package app wires the schedule daemon. The binary only runs the
// deferred backend and ambient services; schedules are created through
// Repository by a program that embeds App.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"applaunch/internal/config"
	"applaunch/internal/eventbus"
	"applaunch/internal/metrics"
	"applaunch/internal/notify"
	"applaunch/internal/observability/diag"
	rtsup "applaunch/internal/runtime/supervisor"
	"applaunch/internal/schedule"
	"applaunch/internal/storage"
	"applaunch/internal/target"
	"applaunch/internal/task/engine"
	"applaunch/internal/task/scheduler"
	logx "applaunch/pkg/logx"
)

// App wires the daemon: store, repository, deferred backend, task engine
// and the ambient services around them.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	targets *target.Mux
	systemd *target.Systemd
	engine  *engine.Service
	sched   *scheduler.Service
	repo    *schedule.Repository

	notif    *notify.Service
	diag     *diag.Service
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The notifier is the Telegram log sink; it is attached once built.
	logSvc, root := logx.New(mapLogConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	closeOnErr := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	repoCfg, schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	ncfg, sender, err := mapNotifyConfig(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	dcfg, err := mapDiagConfig(cfg)
	if err != nil {
		return closeOnErr(err)
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: prometheus.NewRegistry(),
	}
	a.targets, a.systemd = buildTargets(cfg, root)
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)

	// The backend calls back into the repository at fire time, so the
	// handler resolves a.repo lazily.
	a.sched = scheduler.New(schedCfg, store, a.engine, func(ctx context.Context, key string, payload map[string]string) error {
		return a.repo.Fire(ctx, key, payload)
	}, root.With(logx.String("comp", "scheduler")))

	a.metrics = metrics.New(a.sched.Pending)
	if err := a.registerMetrics(); err != nil {
		return closeOnErr(err)
	}

	a.repo = schedule.New(repoCfg, store, a.targets, a.sched,
		schedule.WithLogger(root),
		schedule.WithBus(bus),
		schedule.WithMetrics(a.metrics),
	)

	a.notif = notify.New(ncfg, sender, bus, root)
	logSvc.SetSender(a.notif)

	a.diag = diag.New(dcfg, a.registry, a.health, a.status, root)
	return a, nil
}

func (a *App) registerMetrics() error {
	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range cs {
		if err := a.registry.Register(c); err != nil {
			return err
		}
	}
	return a.metrics.Register(a.registry)
}

// Repository is the read/write surface for presentation code.
func (a *App) Repository() *schedule.Repository { return a.repo }

// Targets lists and resolves launchable targets.
func (a *App) Targets() *target.Mux { return a.targets }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDiagConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapNotifyConfig(cfg)
		return err
	})

	a.engine.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		return fmt.Errorf("start deferred backend: %w", err)
	}
	a.notif.Start(runCtx)
	a.diag.Start(runCtx)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("pending", a.sched.Pending()),
		logx.Duration("buffer_window", a.repo.BufferWindow()),
	)
	return nil
}

// health backs /healthz.
func (a *App) health(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	if es := a.engine.Snapshot(); !es.Running {
		return errors.New("task engine not running")
	}
	return nil
}

// Status backs /status: the deferred queue and the task engine.
type Status struct {
	Deferred scheduler.Snapshot `json:"deferred"`
	Engine   engine.Snapshot    `json:"engine"`
}

func (a *App) status() any {
	return Status{Deferred: a.sched.Snapshot(), Engine: a.engine.Snapshot()}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notify", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("targets", time.Second, func(context.Context) error {
		if a.systemd != nil {
			return a.systemd.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
