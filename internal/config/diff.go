package config

import (
	"reflect"
	"strings"

	logx "applaunch/pkg/logx"
)

// Sections that cannot be applied without a restart.
var restartSections = map[string]bool{"storage": true, "scheduler": true, "targets": true}

// SummarizeChange returns the changed top-level sections and safe log
// attributes describing them. Tokens are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.buffer_window", newCfg.Scheduler.BufferWindow))
	}
	if !reflect.DeepEqual(derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)) {
		te := derefTaskEngine(newCfg.TaskEngine)
		changed = append(changed, "task_engine")
		attrs = append(attrs, logx.Int("task_engine.workers", te.Workers), logx.Int("task_engine.retry_max", te.RetryMax))
	}
	if !reflect.DeepEqual(oldCfg.Targets, newCfg.Targets) {
		changed = append(changed, "targets")
		attrs = append(attrs, logx.Int("targets.commands", len(newCfg.Targets.Commands)))
	}
	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		enabled := newCfg.Notify != nil && newCfg.Notify.Telegram.Enabled
		attrs = append(attrs, logx.Bool("notify.telegram_enabled", enabled))
	}
	if !reflect.DeepEqual(oldCfg.Diag, newCfg.Diag) {
		changed = append(changed, "diag")
		if newCfg.Diag != nil {
			attrs = append(attrs,
				logx.Bool("diag.enabled", newCfg.Diag.Enabled),
				logx.String("diag.addr", strings.TrimSpace(newCfg.Diag.Addr)),
				logx.Bool("diag.token_set", newCfg.Diag.Token != ""),
			)
		}
	}
	return changed, attrs
}

// NeedsRestart reports whether any of sections is only read at startup.
func NeedsRestart(sections []string) bool {
	for _, s := range sections {
		if restartSections[s] {
			return true
		}
	}
	return false
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
