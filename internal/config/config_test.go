package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/harvest
logging:
  development: false
  level: warn
network:
  timeout_seconds: 45
  max_attempts: 5
  retry_delay_ms: 100
  requests_per_second: 2.5
  burst: 3
downstream:
  url: https://ingest.example.com/api/
  api_key: secret
  fail_fast: true
archive:
  kind: gcs
  gcs_bucket: harvest-archive
notify:
  pubsub_project: proj
  pubsub_topic: events
sources:
  moldova:
    kind: paginated
    base_url: https://public.mtender.gov.md/tenders/
    data_type: record_package
    sample_size: 5
    headers:
      Accept: application/json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/harvest", cfg.DataDir)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, 45*time.Second, cfg.Network.Timeout())
	require.Equal(t, 100*time.Millisecond, cfg.Network.RetryDelay())
	require.Equal(t, 5, cfg.Network.MaxAttempts)
	require.InDelta(t, 2.5, cfg.Network.RequestsPerSecond, 0.001)
	require.Equal(t, 64*1024, cfg.Network.ChunkSize, "defaults survive partial sections")
	require.True(t, cfg.Downstream.FailFast)
	require.Equal(t, ArchiveGCS, cfg.Archive.Kind)
	require.Equal(t, "harvest", cfg.Archive.Prefix)

	src, ok := cfg.Source("moldova")
	require.True(t, ok)
	require.Equal(t, "paginated", src.Kind)
	require.Equal(t, 5, src.SampleSize)
	require.Equal(t, "application/json", src.Headers["accept"], "viper lowercases map keys")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	require.Equal(t, "data", cfg.DataDir)
	require.Equal(t, 3, cfg.Network.MaxAttempts)
	require.Equal(t, 30*time.Second, cfg.Network.Timeout())
	require.Equal(t, 10, cfg.Network.MaxRedirects)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "harvest_sessions", cfg.Catalog.Table)
	require.Empty(t, cfg.Downstream.URL)
	require.False(t, cfg.Downstream.FailFast)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("HARVEST_NETWORK_MAX_ATTEMPTS", "7")
	t.Setenv("HARVEST_DOWNSTREAM_API_KEY", "from-env")

	cfg, err := Load(writeConfig(t, "downstream:\n  url: https://ingest.example.com/\n"))
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Network.MaxAttempts)
	require.Equal(t, "from-env", cfg.Downstream.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			DataDir: "data",
			Network: NetworkConfig{TimeoutSeconds: 1, MaxAttempts: 3, ChunkSize: 1},
			Server:  ServerConfig{Port: 8080},
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(*Config){
		"data dir":        func(c *Config) { c.DataDir = " " },
		"log level":       func(c *Config) { c.Logging.Level = "loud" },
		"timeout":         func(c *Config) { c.Network.TimeoutSeconds = 0 },
		"attempts":        func(c *Config) { c.Network.MaxAttempts = 0 },
		"chunk size":      func(c *Config) { c.Network.ChunkSize = 0 },
		"redirects":       func(c *Config) { c.Network.MaxRedirects = -1 },
		"rate":            func(c *Config) { c.Network.RequestsPerSecond = -1 },
		"relative url":    func(c *Config) { c.Downstream.URL = "/submit/" },
		"downstream wait": func(c *Config) { c.Downstream.URL = "https://x/"; c.Downstream.TimeoutSeconds = 0 },
		"archive kind":    func(c *Config) { c.Archive.Kind = "s3" },
		"archive local":   func(c *Config) { c.Archive.Kind = ArchiveLocal },
		"archive gcs":     func(c *Config) { c.Archive.Kind = ArchiveGCS },
		"pubsub pair":     func(c *Config) { c.Notify.PubSubTopic = "events" },
		"port":            func(c *Config) { c.Server.Port = 0 },
		"source kind":     func(c *Config) { c.Sources = map[string]SourceConfig{"x": {}} },
		"sample size":     func(c *Config) { c.Sources = map[string]SourceConfig{"x": {Kind: "static", SampleSize: -1}} },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(&cfg)
		require.Error(t, cfg.Validate(), name)
	}
}
