package app

import (
	"context"
	"strings"

	"applaunch/internal/config"
	logx "applaunch/pkg/logx"
)

// reloadLoop applies hot-reloadable sections as the config file changes.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, attrs...)...)

	if config.NeedsRestart(sections) {
		a.log.Warn("storage, scheduler or targets config changed; restart required for changes to take effect", changed)
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "task_engine":
			ec, err := mapTaskEngineConfig(next)
			if err != nil {
				a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
				continue
			}
			a.engine.Apply(ctx, ec)
		case "notify":
			nc, sender, err := mapNotifyConfig(next)
			if err != nil {
				a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
				continue
			}
			a.notif.Apply(nc, sender)
		case "diag":
			dc, err := mapDiagConfig(next)
			if err != nil {
				a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
				continue
			}
			a.diag.Reconfigure(ctx, dc)
		}
	}
	a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
}
