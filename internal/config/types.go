package config

type Config struct {
	// Letta configures the agent server connection and delivery retry policy.
	Letta LettaConfig `json:"letta"`

	// Store configures the schedule database.
	Store StoreConfig `json:"store"`

	// Executor controls the delivery loop (pass cadence, claim behavior).
	Executor ExecutorConfig `json:"executor"`

	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`
}

// LettaConfig holds the agent server connection settings.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Empty fields fall back to the LETTA_BASE_URL / LETTA_API_KEY /
// LETTA_SERVER_PASSWORD environment variables, then to built-in defaults.
//
// Defaults (when fields are omitted/zero):
//   - base_url: "http://localhost:8283"
//   - timeout: "30s"
//   - retry_max: 3
//   - retry_base: "1s"
//   - retry_cap: "30s"
//   - rate_per_sec: 0 (unthrottled)
type LettaConfig struct {
	BaseURL string `json:"base_url,omitempty"`

	// APIKey authenticates against Letta Cloud. Do not log.
	APIKey string `json:"api_key,omitempty"`
	// ServerPassword authenticates against a self-hosted server. Do not log.
	ServerPassword string `json:"server_password,omitempty"`

	// Timeout bounds a single HTTP request.
	Timeout string `json:"timeout,omitempty"`

	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
	RetryCap   string `json:"retry_cap,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StoreConfig controls the persistence layer.
//
// Example:
//
//	"store": { "path": "./nudgebot.db" }
type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ExecutorConfig controls the delivery loop.
//
// All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - interval: "1m"
//   - batch_limit: 50
//   - claim_ttl: "5m"
//   - deliver_timeout: "2m"
//   - max_consecutive_failures: 0 (retry forever)
type ExecutorConfig struct {
	Interval   string `json:"interval,omitempty"`
	BatchLimit int    `json:"batch_limit,omitempty"`

	// ClaimTTL is how long a claimed schedule stays invisible to other
	// passes before it is considered abandoned and reclaimable.
	ClaimTTL string `json:"claim_ttl,omitempty"`

	// DeliverTimeout bounds a single delivery attempt end to end,
	// including in-call retries.
	DeliverTimeout string `json:"deliver_timeout,omitempty"`

	// MaxConsecutiveFailures deactivates a schedule once its failure count
	// reaches this ceiling. 0 keeps retrying forever.
	MaxConsecutiveFailures int64 `json:"max_consecutive_failures,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
