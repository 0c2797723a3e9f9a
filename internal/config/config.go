// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. HARVEST_DOWNSTREAM_API_KEY.
const EnvPrefix = "HARVEST"

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	DataDir    string                  `mapstructure:"data_dir"`
	Logging    LoggingConfig           `mapstructure:"logging"`
	Network    NetworkConfig           `mapstructure:"network"`
	Downstream DownstreamConfig        `mapstructure:"downstream"`
	Archive    ArchiveConfig           `mapstructure:"archive"`
	Notify     NotifyConfig            `mapstructure:"notify"`
	Catalog    CatalogConfig           `mapstructure:"catalog"`
	Server     ServerConfig            `mapstructure:"server"`
	Telemetry  TelemetryConfig         `mapstructure:"telemetry"`
	Sources    map[string]SourceConfig `mapstructure:"sources"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// NetworkConfig configures the retrying fetcher.
type NetworkConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
	RetryDelayMs      int     `mapstructure:"retry_delay_ms"`
	UserAgent         string  `mapstructure:"user_agent"`
	ChunkSize         int     `mapstructure:"chunk_size"`
	MaxRedirects      int     `mapstructure:"max_redirects"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Timeout converts TimeoutSeconds to a duration.
func (n NetworkConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// RetryDelay converts RetryDelayMs to a duration.
func (n NetworkConfig) RetryDelay() time.Duration {
	return time.Duration(n.RetryDelayMs) * time.Millisecond
}

// DownstreamConfig points at the ingestion service. An empty URL disables delivery.
type DownstreamConfig struct {
	URL            string `mapstructure:"url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Note           string `mapstructure:"note"`
	FailFast       bool   `mapstructure:"fail_fast"`
}

// Archive kinds.
const (
	ArchiveNone  = ""
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// ArchiveConfig selects where fetched files are copied.
type ArchiveConfig struct {
	Kind      string `mapstructure:"kind"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig holds lifecycle event targets.
type NotifyConfig struct {
	LogEvents     bool   `mapstructure:"log_events"`
	PubSubProject string `mapstructure:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic"`
}

// CatalogConfig controls the central Postgres status catalog. An empty DSN disables it.
type CatalogConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	APIKey                string `mapstructure:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// SourceConfig configures one publisher plugin.
type SourceConfig struct {
	Kind          string            `mapstructure:"kind"`
	BaseURL       string            `mapstructure:"base_url"`
	DataType      string            `mapstructure:"data_type"`
	URLs          []string          `mapstructure:"urls"`
	SampleSize    int               `mapstructure:"sample_size"`
	LinkSelector  string            `mapstructure:"link_selector"`
	NextSelector  string            `mapstructure:"next_selector"`
	TokenURL      string            `mapstructure:"token_url"`
	ClientID      string            `mapstructure:"client_id"`
	ClientSecret  string            `mapstructure:"client_secret"`
	Headers       map[string]string `mapstructure:"headers"`
	SkipTLSVerify bool              `mapstructure:"skip_tls_verify"`
	NoSanitize    bool              `mapstructure:"no_sanitize"`
}

// Load builds a Config from disk/environment. With an empty path it looks for
// harvester.yaml in the working directory and $HOME/.harvester, and carries on
// with defaults when none exists.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("harvester")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.harvester")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every scalar key has a default so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("network.timeout_seconds", 30)
	v.SetDefault("network.max_attempts", 3)
	v.SetDefault("network.retry_delay_ms", 500)
	v.SetDefault("network.user_agent", "procurement-harvester/1.0")
	v.SetDefault("network.chunk_size", 64*1024)
	v.SetDefault("network.max_redirects", 10)
	v.SetDefault("network.requests_per_second", 0)
	v.SetDefault("network.burst", 1)
	v.SetDefault("downstream.url", "")
	v.SetDefault("downstream.api_key", "")
	v.SetDefault("downstream.note", "")
	v.SetDefault("downstream.timeout_seconds", 60)
	v.SetDefault("downstream.fail_fast", false)
	v.SetDefault("archive.kind", "")
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "harvest")
	v.SetDefault("notify.log_events", true)
	v.SetDefault("notify.pubsub_project", "")
	v.SetDefault("notify.pubsub_topic", "")
	v.SetDefault("catalog.dsn", "")
	v.SetDefault("catalog.table", "harvest_sessions")
	v.SetDefault("catalog.max_conns", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "procurement-harvester")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.Network.TimeoutSeconds <= 0 {
		return fmt.Errorf("network.timeout_seconds must be > 0")
	}
	if c.Network.MaxAttempts <= 0 {
		return fmt.Errorf("network.max_attempts must be > 0")
	}
	if c.Network.RetryDelayMs < 0 {
		return fmt.Errorf("network.retry_delay_ms must be >= 0")
	}
	if c.Network.ChunkSize <= 0 {
		return fmt.Errorf("network.chunk_size must be > 0")
	}
	if c.Network.MaxRedirects < 0 {
		return fmt.Errorf("network.max_redirects must be >= 0")
	}
	if c.Network.RequestsPerSecond < 0 {
		return fmt.Errorf("network.requests_per_second must be >= 0")
	}
	if c.Downstream.URL != "" {
		u, err := url.Parse(c.Downstream.URL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("downstream.url must be an absolute URL")
		}
		if c.Downstream.TimeoutSeconds <= 0 {
			return fmt.Errorf("downstream.timeout_seconds must be > 0")
		}
	}
	switch c.Archive.Kind {
	case ArchiveNone:
	case ArchiveLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set when archive.kind is local")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.kind is gcs")
		}
	default:
		return fmt.Errorf("archive.kind %q is not one of local, gcs", c.Archive.Kind)
	}
	if (c.Notify.PubSubProject == "") != (c.Notify.PubSubTopic == "") {
		return fmt.Errorf("notify.pubsub_project and notify.pubsub_topic must be set together")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	for name, src := range c.Sources {
		if src.Kind == "" {
			return fmt.Errorf("sources.%s.kind is required", name)
		}
		if src.SampleSize < 0 {
			return fmt.Errorf("sources.%s.sample_size must be >= 0", name)
		}
	}
	return nil
}

// Source returns the plugin configuration of one source.
func (c Config) Source(name string) (SourceConfig, bool) {
	src, ok := c.Sources[name]
	return src, ok
}
