// Package config manages processor configuration loading and validation.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mercurylabs/mercurystream/errs"
)

// EnvConfigFile names the environment variable that points at an optional
// YAML configuration file. Environment variables override file values.
const EnvConfigFile = "MERCURYSTREAM_CONFIG"

// Config holds the processor runtime settings. Values resolve in order of
// defaults, then the YAML file, then environment variables.
type Config struct {
	Host        string `yaml:"host" env:"HOST"`
	Port        int    `yaml:"port" env:"PORT"`
	MetricsPort int    `yaml:"metrics_port" env:"METRICS_PORT"`

	DataDir   string `yaml:"data_dir" env:"DATA_DIR"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	Record     bool   `yaml:"record" env:"RECORD"`
	RecordFile string `yaml:"record_file" env:"RECORD_FILE"`

	Forensics               bool `yaml:"forensics" env:"FORENSICS"`
	LatencySpikeThresholdMS int  `yaml:"latency_spike_threshold_ms" env:"LATENCY_SPIKE_THRESHOLD_MS"`
	DuplicateLRUMax         int  `yaml:"duplicate_lru_max" env:"DUPLICATE_LRU_MAX"`

	FlightPreEvents  int `yaml:"flight_pre_events" env:"FLIGHT_PRE_EVENTS"`
	FlightPostEvents int `yaml:"flight_post_events" env:"FLIGHT_POST_EVENTS"`
	FlightCooldownS  int `yaml:"flight_cooldown_s" env:"FLIGHT_COOLDOWN_S"`

	BusQueueCapacity int `yaml:"bus_queue_capacity" env:"BUS_QUEUE_CAPACITY"`
}

// Default returns the processor configuration with all defaults applied.
func Default() Config {
	return Config{
		Host:                    "0.0.0.0",
		Port:                    9001,
		MetricsPort:             9090,
		DataDir:                 "data",
		LogLevel:                "info",
		LogFormat:               "json",
		Record:                  false,
		RecordFile:              filepath.Join("data", "btcusd.jsonl"),
		Forensics:               true,
		LatencySpikeThresholdMS: 100,
		DuplicateLRUMax:         50000,
		FlightPreEvents:         5000,
		FlightPostEvents:        3000,
		FlightCooldownS:         60,
		BusQueueCapacity:        1000,
	}
}

// Load resolves the processor configuration. A non-empty path forces a YAML
// file; otherwise EnvConfigFile is consulted and a missing file is not an
// error. Environment variables (including any .env file in the working
// directory) take precedence over file values. The returned bool reports
// whether a file contributed values.
func Load(path string) (Config, bool, error) {
	_ = godotenv.Load()

	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv(EnvConfigFile))
	}

	fromFile := false
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, false, errs.Config("parse config file", errs.WithCause(err), errs.WithField("path", path))
			}
			fromFile = true
		case os.IsNotExist(err) && !explicit:
			// Optional file named via environment; fall through to env vars.
		default:
			return Config{}, false, errs.Config("read config file", errs.WithCause(err), errs.WithField("path", path))
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, false, errs.Config("parse environment", errs.WithCause(err))
	}

	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, fromFile, nil
}

// Normalise trims string fields and restores defaults for empty values.
func (c *Config) Normalise() {
	def := Default()

	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		c.Host = def.Host
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	c.RecordFile = strings.TrimSpace(c.RecordFile)
	if c.RecordFile == "" {
		c.RecordFile = filepath.Join(c.DataDir, "btcusd.jsonl")
	}
}

// Validate reports the first fatal misconfiguration.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errs.Config("port out of range", errs.WithField("port", strconv.Itoa(c.Port)))
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return errs.Config("metrics port out of range", errs.WithField("metrics_port", strconv.Itoa(c.MetricsPort)))
	}
	if c.MetricsPort == c.Port {
		return errs.Config("metrics port collides with ingest port", errs.WithField("port", strconv.Itoa(c.Port)))
	}
	if c.LatencySpikeThresholdMS <= 0 {
		return errs.Config("latency spike threshold must be positive", errs.WithField("latency_spike_threshold_ms", strconv.Itoa(c.LatencySpikeThresholdMS)))
	}
	if c.DuplicateLRUMax <= 0 {
		return errs.Config("duplicate LRU capacity must be positive", errs.WithField("duplicate_lru_max", strconv.Itoa(c.DuplicateLRUMax)))
	}
	if c.FlightPreEvents < 0 {
		return errs.Config("flight pre-trigger count must not be negative", errs.WithField("flight_pre_events", strconv.Itoa(c.FlightPreEvents)))
	}
	if c.FlightPostEvents <= 0 {
		return errs.Config("flight post-trigger count must be positive", errs.WithField("flight_post_events", strconv.Itoa(c.FlightPostEvents)))
	}
	if c.FlightCooldownS < 0 {
		return errs.Config("flight cooldown must not be negative", errs.WithField("flight_cooldown_s", strconv.Itoa(c.FlightCooldownS)))
	}
	if c.BusQueueCapacity <= 0 {
		return errs.Config("bus queue capacity must be positive", errs.WithField("bus_queue_capacity", strconv.Itoa(c.BusQueueCapacity)))
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return errs.Config("unknown log level", errs.WithField("log_level", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return errs.Config("unknown log format", errs.WithField("log_format", c.LogFormat))
	}
	return nil
}

// Addr returns the ingest listener address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MetricsAddr returns the metrics and health listener address.
func (c Config) MetricsAddr() string {
	return ":" + strconv.Itoa(c.MetricsPort)
}

// IncidentsDir returns the directory flight recorder bundles land in.
func (c Config) IncidentsDir() string {
	return filepath.Join(c.DataDir, "incidents")
}

// DriftSampleFile returns the schema drift evidence file path.
func (c Config) DriftSampleFile() string {
	return filepath.Join(c.DataDir, "drift_samples.jsonl")
}

// FlightCooldown returns the minimum spacing between incident captures.
func (c Config) FlightCooldown() time.Duration {
	return time.Duration(c.FlightCooldownS) * time.Second
}
