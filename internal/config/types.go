package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected.
type Config struct {
	Transport TransportConfig `json:"transport"`
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Commands  CommandsConfig  `json:"commands"`
	Poller    PollerConfig    `json:"poller"`
	Fetch     FetchConfig     `json:"fetch"`

	// Notifier defaults apply when the section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	// Storage is disabled when the section is omitted.
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   DebugConfig    `json:"debug,omitempty"`
}

// TransportConfig selects the chat adapter: "telegram" (default) or "console".
type TransportConfig struct {
	Driver string `json:"driver"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL overrides the Bot API endpoint (self-hosted bot API servers).
	APIURL string `json:"api_url,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards log lines at or above MinLevel to every known recipient.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type CommandsConfig struct {
	// Timeout bounds a single command handler (default "10s").
	Timeout string `json:"timeout,omitempty"`
}

// PollerConfig controls the site poller.
//
// Defaults:
//   - default_delay: 5 (minutes, used until ~set_delay changes it)
//   - concurrency: 4
//   - error_threshold: 3
type PollerConfig struct {
	DefaultDelay   float64 `json:"default_delay,omitempty"`
	Concurrency    int     `json:"concurrency,omitempty"`
	NotifyOnError  bool    `json:"notify_on_error,omitempty"`
	ErrorThreshold int     `json:"error_threshold,omitempty"`
}

// FetchConfig controls how monitored pages are downloaded.
//
// Mode is "raw" (compare bodies byte for byte) or "text" (compare the main
// content of HTML pages rendered as markdown).
type FetchConfig struct {
	Mode      string `json:"mode,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	MaxBytes  int64  `json:"max_bytes,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// NotifierConfig controls the broadcast pipeline.
type NotifierConfig struct {
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	Text       string `json:"text,omitempty"`
	IncludeURL bool   `json:"include_url,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./sitewatch.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite
	CompactEvery int    `json:"compact_every,omitempty"` // file
}

// DebugConfig controls the optional debug HTTP server (/metrics and pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
