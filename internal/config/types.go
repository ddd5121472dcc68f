package config

// Config is the full daemon configuration. JSON is the native format; YAML
// files are accepted and coerced. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Queue   QueueConfig   `json:"queue"`
	Energy  EnergyConfig  `json:"energy"`
	LLM     LLMConfig     `json:"llm"`
	Worker  WorkerConfig  `json:"worker"`
	Ingest  IngestConfig  `json:"ingest"`
	Profile ProfileConfig `json:"profile"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`
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

type QueueConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// MaxAttempts bounds retries per item. 0 falls back to 3.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// EnergyConfig controls the processing gate.
//
// FailOpen is a pointer so "omitted" (default true) is distinguishable from
// an explicit false.
type EnergyConfig struct {
	StatusURL         string  `json:"status_url,omitempty"`
	Timeout           string  `json:"timeout,omitempty"`
	PriceThresholdEUR float64 `json:"price_threshold_eur,omitempty"`
	FailOpen          *bool   `json:"fail_open,omitempty"`
}

type LLMConfig struct {
	Provider   string `json:"provider"` // "openai", "ollama", "mock"
	BaseURL    string `json:"base_url,omitempty"`
	APIKey     string `json:"api_key,omitempty"` // do not log
	LargeModel string `json:"large_model,omitempty"`
	SmallModel string `json:"small_model,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}

type WorkerConfig struct {
	Enabled      bool   `json:"enabled"`
	Workers      int    `json:"workers,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`

	StaleTimeout string `json:"stale_timeout,omitempty"`
	RecoverEvery string `json:"recover_every,omitempty"`

	PurgeEvery string `json:"purge_every,omitempty"`
	PurgeAfter string `json:"purge_after,omitempty"`

	RetryResetAttempts bool `json:"retry_reset_attempts,omitempty"`
}

type IngestConfig struct {
	Enabled      bool   `json:"enabled"`
	Dir          string `json:"dir,omitempty"`
	ScanInterval string `json:"scan_interval,omitempty"`
}

type ProfileConfig struct {
	PreferencesPath string `json:"preferences_path,omitempty"`
	RoutinePath     string `json:"routine_path,omitempty"`
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
}

// Validate checks everything that can be checked without touching the
// network or filesystem; it is the default watch validator.
func (c *Config) Validate() error {
	durations := map[string]string{
		"queue.busy_timeout":   c.Queue.BusyTimeout,
		"energy.timeout":       c.Energy.Timeout,
		"llm.timeout":          c.LLM.Timeout,
		"worker.poll_interval": c.Worker.PollInterval,
		"worker.stale_timeout": c.Worker.StaleTimeout,
		"worker.recover_every": c.Worker.RecoverEvery,
		"worker.purge_every":   c.Worker.PurgeEvery,
		"worker.purge_after":   c.Worker.PurgeAfter,
		"ingest.scan_interval": c.Ingest.ScanInterval,
		"pprof.read_timeout":   c.Pprof.ReadTimeout,
		"pprof.write_timeout":  c.Pprof.WriteTimeout,
		"pprof.idle_timeout":   c.Pprof.IdleTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}
