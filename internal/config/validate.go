package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate rejects configs that would fail at startup or hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	if _, err := ParseDurationField("scheduler.buffer_window", cfg.Scheduler.BufferWindow); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.reconcile_every", cfg.Scheduler.ReconcileEvery); err != nil {
		return err
	}
	if cfg.Scheduler.DeliveryRetries < 0 {
		return fmt.Errorf("scheduler.delivery_retries must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			return fmt.Errorf("task_engine.workers must be >= 0")
		}
		if te.QueueSize < 0 {
			return fmt.Errorf("task_engine.queue_size must be >= 0")
		}
		if te.HistorySize < 0 {
			return fmt.Errorf("task_engine.history_size must be >= 0")
		}
		if te.RetryMax < 0 {
			return fmt.Errorf("task_engine.retry_max must be >= 0")
		}
		if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
			return err
		}
	}

	switch s := strings.ToLower(strings.TrimSpace(cfg.Targets.DefaultScheme)); s {
	case "", "exec", "systemd":
	default:
		return fmt.Errorf("targets.default_scheme: unknown scheme %q", s)
	}
	for name, c := range cfg.Targets.Commands {
		if strings.TrimSpace(name) == "" || strings.Contains(name, ":") {
			return fmt.Errorf("targets.commands: invalid name %q", name)
		}
		if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
			return fmt.Errorf("targets.commands.%s.command is required", name)
		}
	}

	if n := cfg.Notify; n != nil && n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" {
			return fmt.Errorf("notify.telegram.token is required when enabled")
		}
		if n.Telegram.ChatID == 0 {
			return fmt.Errorf("notify.telegram.chat_id is required when enabled")
		}
	}

	if d := cfg.Diag; d != nil {
		if _, err := ParseDurationField("diag.read_timeout", d.ReadTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("diag.write_timeout", d.WriteTimeout); err != nil {
			return err
		}
	}
	return nil
}
