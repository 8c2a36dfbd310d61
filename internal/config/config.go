// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport kinds.
const (
	TransportColly = "colly"
	TransportResty = "resty"
)

// Solver kinds.
const (
	SolverHTTP  = "http"
	SolverFixed = "fixed"
)

// Sink kinds.
const (
	SinkLog      = "log"
	SinkPostgres = "postgres"
	SinkLocal    = "local"
	SinkGCS      = "gcs"
	SinkPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Portal  PortalConfig  `mapstructure:"portal"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Solver  SolverConfig  `mapstructure:"solver"`
	Sink    SinkConfig    `mapstructure:"sink"`
	DB      DBConfig      `mapstructure:"db"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// PortalConfig describes the remote doorplate portal.
type PortalConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	UserAgent     string `mapstructure:"user_agent"`
	DateSeparator string `mapstructure:"date_separator"`
	PageSize      int    `mapstructure:"page_size"`
	AnswerLength  int    `mapstructure:"answer_length"`
	MinImageBytes int    `mapstructure:"min_image_bytes"`
}

// HTTPConfig configures the portal client, its retries and pacing.
type HTTPConfig struct {
	Transport         string  `mapstructure:"transport"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	MaxRetries        int     `mapstructure:"max_retries"`
	BackoffInitialMs  int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// BatchConfig governs partition fan-out and attempt budgets.
type BatchConfig struct {
	Concurrency             int    `mapstructure:"concurrency"`
	MaxAttempts             int    `mapstructure:"max_attempts"`
	MaterializeLimit        int    `mapstructure:"materialize_limit"`
	PartitionTimeoutSeconds int    `mapstructure:"partition_timeout_seconds"`
	MaxEmptyPages           int    `mapstructure:"max_empty_pages"`
	ParentCode              string `mapstructure:"parent_code"`
}

// SolverConfig selects the captcha solver.
type SolverConfig struct {
	Kind           string `mapstructure:"kind"`
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	FixedAnswer    string `mapstructure:"fixed_answer"`
}

// SinkConfig lists the sinks each batch is written to.
type SinkConfig struct {
	Kinds []string `mapstructure:"kinds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	LogTable    string `mapstructure:"log_table"`
	RecordTable string `mapstructure:"record_table"`
	Migrate     bool   `mapstructure:"migrate"`
}

// StorageConfig sets where page archives are written.
type StorageConfig struct {
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for batch notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOORPLATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Sink.Kinds = splitKinds(cfg.Sink.Kinds)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.base_url", "https://www.ris.gov.tw")
	v.SetDefault("portal.user_agent", "Mozilla/5.0 (compatible; doorplate-crawler/0.1)")
	v.SetDefault("portal.date_separator", "-")
	v.SetDefault("portal.page_size", 50)
	v.SetDefault("portal.answer_length", 5)
	v.SetDefault("portal.min_image_bytes", 100)
	v.SetDefault("http.transport", TransportColly)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("http.requests_per_second", 2)
	v.SetDefault("http.burst", 2)
	v.SetDefault("batch.concurrency", 2)
	v.SetDefault("batch.max_attempts", 3)
	v.SetDefault("batch.materialize_limit", 300)
	v.SetDefault("batch.partition_timeout_seconds", 300)
	v.SetDefault("batch.max_empty_pages", 2)
	v.SetDefault("batch.parent_code", "63000000")
	v.SetDefault("solver.kind", SolverHTTP)
	v.SetDefault("solver.endpoint", "http://127.0.0.1:8090/solve")
	v.SetDefault("solver.timeout_seconds", 15)
	v.SetDefault("sink.kinds", []string{SinkLog})
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("storage.prefix", "doorplate")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 900)
	v.SetDefault("logging.development", true)

	// Keys without a meaningful default still need registering so AutomaticEnv reaches them on Unmarshal.
	for _, key := range []string{
		"solver.api_key", "solver.fixed_answer", "db.dsn", "db.log_table", "db.record_table",
		"storage.local_dir", "storage.gcs_bucket", "pubsub.project_id", "pubsub.topic_name", "auth.api_key",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("db.migrate", false)
	v.SetDefault("auth.enabled", false)
}

// splitKinds accepts both a YAML list and a comma separated env value.
func splitKinds(kinds []string) []string {
	var out []string
	for _, k := range kinds {
		for _, part := range strings.Split(k, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if strings.TrimSpace(c.Portal.BaseURL) == "" {
		return fmt.Errorf("portal.base_url is required")
	}
	if c.Portal.DateSeparator != "-" && c.Portal.DateSeparator != "/" {
		return fmt.Errorf("portal.date_separator must be \"-\" or \"/\"")
	}
	if c.Portal.PageSize <= 0 {
		return fmt.Errorf("portal.page_size must be > 0")
	}
	if c.Portal.AnswerLength <= 0 {
		return fmt.Errorf("portal.answer_length must be > 0")
	}
	if c.HTTP.Transport != TransportColly && c.HTTP.Transport != TransportResty {
		return fmt.Errorf("http.transport must be %q or %q", TransportColly, TransportResty)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be > 0")
	}
	if c.Batch.MaxAttempts <= 0 {
		return fmt.Errorf("batch.max_attempts must be > 0")
	}
	if c.Batch.PartitionTimeoutSeconds <= 0 {
		return fmt.Errorf("batch.partition_timeout_seconds must be > 0")
	}
	if strings.TrimSpace(c.Batch.ParentCode) == "" {
		return fmt.Errorf("batch.parent_code is required")
	}
	switch c.Solver.Kind {
	case SolverHTTP:
		if c.Solver.Endpoint == "" {
			return fmt.Errorf("solver.endpoint is required for the http solver")
		}
		if c.Solver.TimeoutSeconds <= 0 {
			return fmt.Errorf("solver.timeout_seconds must be > 0")
		}
	case SolverFixed:
		if len(c.Solver.FixedAnswer) != c.Portal.AnswerLength {
			return fmt.Errorf("solver.fixed_answer must have %d characters", c.Portal.AnswerLength)
		}
	default:
		return fmt.Errorf("solver.kind must be %q or %q", SolverHTTP, SolverFixed)
	}
	for _, kind := range c.Sink.Kinds {
		if err := c.validateSink(kind); err != nil {
			return err
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

func (c Config) validateSink(kind string) error {
	switch kind {
	case SinkLog:
	case SinkPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres sink")
		}
	case SinkLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local sink")
		}
	case SinkGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs sink")
		}
	case SinkPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required for the pubsub sink")
		}
	default:
		return fmt.Errorf("unknown sink kind %q", kind)
	}
	return nil
}

// HasSink reports whether kind is enabled.
func (c Config) HasSink(kind string) bool {
	return slices.Contains(c.Sink.Kinds, kind)
}

// HTTPTimeout returns the per-request timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds one API request, including the batch it runs.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// PartitionTimeout bounds one partition of a batch.
func (c Config) PartitionTimeout() time.Duration {
	return time.Duration(c.Batch.PartitionTimeoutSeconds) * time.Second
}

// SolverTimeout bounds one solver call.
func (c Config) SolverTimeout() time.Duration {
	return time.Duration(c.Solver.TimeoutSeconds) * time.Second
}

// BackoffInitial is the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps retry delays.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}
