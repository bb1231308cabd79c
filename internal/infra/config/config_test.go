package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mercurylabs/mercurystream/errs"
)

func TestDefaultCarriesDocumentedValues(t *testing.T) {
	cfg := Default()

	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 9001, cfg.Port)
	require.Equal(t, 9090, cfg.MetricsPort)
	require.Equal(t, "data", cfg.DataDir)
	require.Equal(t, "info", cfg.LogLevel)
	require.False(t, cfg.Record)
	require.True(t, cfg.Forensics)
	require.Equal(t, 100, cfg.LatencySpikeThresholdMS)
	require.Equal(t, 50000, cfg.DuplicateLRUMax)
	require.Equal(t, 5000, cfg.FlightPreEvents)
	require.Equal(t, 3000, cfg.FlightPostEvents)
	require.Equal(t, 60, cfg.FlightCooldownS)
	require.Equal(t, 1000, cfg.BusQueueCapacity)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, fromFile, err := Load("")
	require.NoError(t, err)
	require.False(t, fromFile)
	require.Equal(t, Default(), cfg)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mercurystream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: 127.0.0.1\nport: 7001\nlog_level: debug\n"), 0o644))

	cfg, fromFile, err := Load(path)
	require.NoError(t, err)
	require.True(t, fromFile)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 7001, cfg.Port)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 9090, cfg.MetricsPort, "untouched fields keep defaults")
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mercurystream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7001\nflight_cooldown_s: 15\n"), 0o644))

	t.Setenv(EnvConfigFile, path)
	t.Setenv("PORT", "7500")

	cfg, fromFile, err := Load("")
	require.NoError(t, err)
	require.True(t, fromFile)
	require.Equal(t, 7500, cfg.Port, "environment wins over the file")
	require.Equal(t, 15, cfg.FlightCooldownS, "file wins over defaults")
}

func TestLoadToleratesMissingOptionalFile(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, fromFile, err := Load("")
	require.NoError(t, err)
	require.False(t, fromFile)
	require.Equal(t, Default(), cfg)
}

func TestLoadFailsOnMissingExplicitFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.StageConfig, e.Stage)
}

func TestLoadFailsOnMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not a number\n"), 0o644))

	_, _, err := Load(path)
	require.Error(t, err)

	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CodeConfig, e.Code)
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("PORT", "0")

	_, _, err := Load("")
	require.Error(t, err)

	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.StageConfig, e.Stage)
	require.Equal(t, errs.CodeConfig, e.Code)
}

func TestNormaliseRestoresEmptyFields(t *testing.T) {
	cfg := Default()
	cfg.Host = "  "
	cfg.LogLevel = " DEBUG "
	cfg.LogFormat = "Console"
	cfg.DataDir = ""
	cfg.RecordFile = ""

	cfg.Normalise()

	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "console", cfg.LogFormat)
	require.Equal(t, "data", cfg.DataDir)
	require.Equal(t, filepath.Join("data", "btcusd.jsonl"), cfg.RecordFile)
}

func TestNormaliseDerivesRecordFileFromDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/mercurystream"
	cfg.RecordFile = ""

	cfg.Normalise()

	require.Equal(t, filepath.Join("/var/lib/mercurystream", "btcusd.jsonl"), cfg.RecordFile)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "port zero", mutate: func(c *Config) { c.Port = 0 }},
		{name: "port too large", mutate: func(c *Config) { c.Port = 70000 }},
		{name: "metrics port zero", mutate: func(c *Config) { c.MetricsPort = 0 }},
		{name: "colliding ports", mutate: func(c *Config) { c.MetricsPort = c.Port }},
		{name: "spike threshold zero", mutate: func(c *Config) { c.LatencySpikeThresholdMS = 0 }},
		{name: "lru capacity zero", mutate: func(c *Config) { c.DuplicateLRUMax = 0 }},
		{name: "negative pre events", mutate: func(c *Config) { c.FlightPreEvents = -1 }},
		{name: "post events zero", mutate: func(c *Config) { c.FlightPostEvents = 0 }},
		{name: "negative cooldown", mutate: func(c *Config) { c.FlightCooldownS = -5 }},
		{name: "bus capacity zero", mutate: func(c *Config) { c.BusQueueCapacity = 0 }},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "verbose" }},
		{name: "unknown log format", mutate: func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var e *errs.E
			require.ErrorAs(t, err, &e)
			require.Equal(t, errs.CodeConfig, e.Code)
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestDerivedAddressesAndPaths(t *testing.T) {
	cfg := Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 9101
	cfg.MetricsPort = 9190
	cfg.DataDir = "/tmp/ms"

	require.Equal(t, "127.0.0.1:9101", cfg.Addr())
	require.Equal(t, ":9190", cfg.MetricsAddr())
	require.Equal(t, filepath.Join("/tmp/ms", "incidents"), cfg.IncidentsDir())
	require.Equal(t, filepath.Join("/tmp/ms", "drift_samples.jsonl"), cfg.DriftSampleFile())
	require.Equal(t, 60*time.Second, cfg.FlightCooldown())
}

func TestDefaultIngestCarriesDocumentedValues(t *testing.T) {
	cfg := DefaultIngest()

	require.Equal(t, "wss://ws-feed.exchange.coinbase.com", cfg.WSURL)
	require.Equal(t, []string{"BTC-USD", "ETH-USD", "SOL-USD"}, cfg.Symbols)
	require.Equal(t, "processor", cfg.ProcessorHost)
	require.Equal(t, 9001, cfg.ProcessorPort)
	require.Equal(t, 10*time.Second, cfg.BackoffMax())
}

func TestLoadIngestParsesSymbolList(t *testing.T) {
	t.Setenv("SYMBOLS", "BTC-USD, ETH-USD ,DOGE-USD")
	t.Setenv("PROCESSOR_HOST", "localhost")

	cfg, err := LoadIngest()
	require.NoError(t, err)
	require.Equal(t, []string{"BTC-USD", "ETH-USD", "DOGE-USD"}, cfg.Symbols)
	require.Equal(t, "localhost:9001", cfg.ProcessorAddr())
}

func TestIngestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*IngestConfig)
	}{
		{name: "empty url", mutate: func(c *IngestConfig) { c.WSURL = "" }},
		{name: "no symbols", mutate: func(c *IngestConfig) { c.Symbols = nil }},
		{name: "empty host", mutate: func(c *IngestConfig) { c.ProcessorHost = "" }},
		{name: "port out of range", mutate: func(c *IngestConfig) { c.ProcessorPort = -1 }},
		{name: "backoff zero", mutate: func(c *IngestConfig) { c.BackoffMaxS = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultIngest()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
