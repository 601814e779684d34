package config

// Config is the on-disk configuration. YAML and JSON share the json tags;
// unknown keys are rejected.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Tasks     TasksConfig     `json:"tasks"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Channels  ChannelsConfig  `json:"channels"`
	Ack       AckConfig       `json:"ack"`
	Events    EventsConfig    `json:"events,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	JSON     bool            `json:"json,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to an operator chat
// through the push bot.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the dispatch store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./escalator.db, busy_timeout: 2s }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// TasksConfig selects where tasks come from.
//
//   - "file": a YAML task list at Path (default ./tasks.yaml)
//   - "sql": the tasks table in the dispatch store's database
//   - "memory": empty; tasks arrive through the SQL table or tests only
type TasksConfig struct {
	Source string `json:"source"`
	Path   string `json:"path,omitempty"`
}

// SchedulerConfig holds the poll trigger and every escalation knob. All
// fields are hot-reloadable.
type SchedulerConfig struct {
	// Poll is a Go duration, "@every 30s" or a cron expression.
	Poll            string  `json:"poll"`
	SpeedMultiplier float64 `json:"speed_multiplier"`
	Concurrency     int     `json:"concurrency,omitempty"`
	SendLease       string  `json:"send_lease,omitempty"`

	MaxSendAttempts int    `json:"max_send_attempts,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`

	ElevatedWindow      string         `json:"elevated_window,omitempty"`
	MissThreshold       int            `json:"miss_threshold,omitempty"`
	ClassMissThresholds map[string]int `json:"class_miss_thresholds,omitempty"`
	CriticalTags        []string       `json:"critical_tags,omitempty"`

	// Windows is keyed by level name (must_not_miss, important, standard).
	// Omitted levels and stages keep their defaults.
	Windows map[string]StageWindows `json:"windows,omitempty"`
}

type StageWindows struct {
	Push    string `json:"push,omitempty"`
	Message string `json:"message,omitempty"`
	Call    string `json:"call,omitempty"`
}

type ChannelsConfig struct {
	Push    PushChannel     `json:"push"`
	Message ProviderChannel `json:"message"`
	Call    ProviderChannel `json:"call"`
	Breaker BreakerConfig   `json:"breaker,omitempty"`
}

// PushChannel is the Telegram bot. An empty token disables push.
type PushChannel struct {
	Token       string  `json:"token"` // do not log
	PollTimeout string  `json:"poll_timeout,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
}

// ProviderChannel is a JSON-over-HTTP provider. An empty endpoint disables
// the channel.
type ProviderChannel struct {
	Endpoint   string  `json:"endpoint"`
	Token      string  `json:"token,omitempty"` // do not log
	From       string  `json:"from,omitempty"`
	AckDigit   string  `json:"ack_digit,omitempty"` // call only
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type BreakerConfig struct {
	Trip       int    `json:"trip,omitempty"`
	BaseDelay  string `json:"base_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	ResetAfter string `json:"reset_after,omitempty"`
}

// AckConfig controls the acknowledgement HTTP receiver.
//
// Security note: bind to loopback unless a secret is set.
type AckConfig struct {
	Addr         string `json:"addr,omitempty"`   // default: "127.0.0.1:8080"
	Secret       string `json:"secret,omitempty"` // HMAC secret (do not log)
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
}

type EventsConfig struct {
	NATS NATSConfig `json:"nats"`
}

type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}
