package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Storage    StorageConfig     `json:"storage"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Targets    TargetsConfig     `json:"targets"`
	Notify     *NotifyConfig     `json:"notify,omitempty"`
	Diag       *DiagConfig       `json:"diag,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the chat
// configured under notify.telegram.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig points at the SQLite database file.
//
// Example:
//
//	"storage": { "path": "./data/applaunch.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls conflict detection and deferred delivery.
//
// Defaults:
//   - buffer_window: "5m"
//   - reconcile_every: "1m"
//   - delivery_retries: 3
//   - timezone: local
type SchedulerConfig struct {
	BufferWindow    string `json:"buffer_window,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	ReconcileEvery  string `json:"reconcile_every,omitempty"`
	DeliveryRetries int    `json:"delivery_retries,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs fired schedules.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "30s"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 2
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// TargetsConfig declares what a schedule may launch.
type TargetsConfig struct {
	// DefaultScheme applies to refs without a "scheme:" prefix. Default "exec".
	DefaultScheme string                   `json:"default_scheme,omitempty"`
	Systemd       SystemdTargets           `json:"systemd"`
	Commands      map[string]CommandTarget `json:"commands,omitempty"`
}

type SystemdTargets struct {
	Enabled bool `json:"enabled"`
	// Patterns limits listing (e.g. ["*.service"]). Launch is not restricted.
	Patterns []string `json:"patterns,omitempty"`
}

type CommandTarget struct {
	Label   string   `json:"label,omitempty"`
	Command []string `json:"command"`
	Dir     string   `json:"dir,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramNotify `json:"telegram"`
}

// TelegramNotify sends fire outcomes to a chat. The token is never logged.
type TelegramNotify struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// DiagConfig controls the diagnostics HTTP server (/healthz, /metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - A non-loopback address needs a token or allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Metrics       bool   `json:"metrics"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}
