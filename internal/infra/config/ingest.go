package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mercurylabs/mercurystream/errs"
)

// IngestConfig holds the ingester runtime settings.
type IngestConfig struct {
	WSURL   string   `env:"WS_URL"`
	Symbols []string `env:"SYMBOLS" envSeparator:","`

	ProcessorHost string `env:"PROCESSOR_HOST"`
	ProcessorPort int    `env:"PROCESSOR_PORT"`

	BackoffMaxS float64 `env:"BACKOFF_MAX"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
}

// DefaultIngest returns the ingester configuration with all defaults applied.
func DefaultIngest() IngestConfig {
	return IngestConfig{
		WSURL:         "wss://ws-feed.exchange.coinbase.com",
		Symbols:       []string{"BTC-USD", "ETH-USD", "SOL-USD"},
		ProcessorHost: "processor",
		ProcessorPort: 9001,
		BackoffMaxS:   10,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// LoadIngest resolves the ingester configuration from defaults and
// environment variables, including any .env file in the working directory.
func LoadIngest() (IngestConfig, error) {
	_ = godotenv.Load()

	cfg := DefaultIngest()
	if err := env.Parse(&cfg); err != nil {
		return IngestConfig{}, errs.Config("parse environment", errs.WithCause(err))
	}

	cfg.WSURL = strings.TrimSpace(cfg.WSURL)
	cfg.ProcessorHost = strings.TrimSpace(cfg.ProcessorHost)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	symbols := cfg.Symbols[:0]
	for _, s := range cfg.Symbols {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	cfg.Symbols = symbols

	if err := cfg.Validate(); err != nil {
		return IngestConfig{}, err
	}
	return cfg, nil
}

// Validate reports the first fatal misconfiguration.
func (c *IngestConfig) Validate() error {
	if c.WSURL == "" {
		return errs.Config("websocket url must not be empty")
	}
	if len(c.Symbols) == 0 {
		return errs.Config("at least one symbol must be configured")
	}
	if c.ProcessorHost == "" {
		return errs.Config("processor host must not be empty")
	}
	if c.ProcessorPort <= 0 || c.ProcessorPort > 65535 {
		return errs.Config("processor port out of range", errs.WithField("processor_port", strconv.Itoa(c.ProcessorPort)))
	}
	if c.BackoffMaxS <= 0 {
		return errs.Config("backoff ceiling must be positive", errs.WithField("backoff_max", strconv.FormatFloat(c.BackoffMaxS, 'f', -1, 64)))
	}
	return nil
}

// ProcessorAddr returns the processor ingest address.
func (c IngestConfig) ProcessorAddr() string {
	return net.JoinHostPort(c.ProcessorHost, strconv.Itoa(c.ProcessorPort))
}

// BackoffMax returns the reconnect backoff ceiling.
func (c IngestConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxS * float64(time.Second))
}
