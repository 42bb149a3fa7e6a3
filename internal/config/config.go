package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Prefix is prepended to every environment variable, e.g. CIVIC_PORT
const Prefix = "civic"

// Config holds service configuration. Optional backends are disabled when
// their address is empty: no database URL selects the in-memory store.
type Config struct {
	Port            string        `default:"8000"`
	LogLevel        string        `default:"info"     split_words:"true"`
	LogFormat       string        `default:"json"     split_words:"true"`
	ShutdownTimeout time.Duration `default:"30s"      split_words:"true"`
	ReadTimeout     time.Duration `default:"15s"      split_words:"true"`
	WriteTimeout    time.Duration `default:"15s"      split_words:"true"`

	DatabaseURL      string `split_words:"true"`
	DatabaseMaxConns int    `default:"20" split_words:"true"`
	Migrate          bool   `default:"true"`

	NATSURL       string        `envconfig:"NATS_URL"`
	RedisAddr     string        `split_words:"true"`
	CacheTTL      time.Duration `default:"5m" split_words:"true"`
	EtcdEndpoints []string      `split_words:"true"`
	LockTTL       int           `default:"15" split_words:"true"`

	JWTSecret string        `envconfig:"JWT_SECRET"`
	TokenTTL  time.Duration `default:"24h" split_words:"true"`

	RateLimit float64 `default:"20" split_words:"true"`
	RateBurst int     `default:"40" split_words:"true"`

	ReplaySchedule string `default:"0 * * * * *"    split_words:"true"`
	SweepSchedule  string `default:"30 */5 * * * *" split_words:"true"`
	VerifySchedule string `default:"0 15 * * * *"   split_words:"true"`
	ReplayBatch    int    `default:"100"            split_words:"true"`
}

// Load reads the environment and validates the result
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.JWTSecret == "" {
		return errors.New("CIVIC_JWT_SECRET is required")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return errors.New("rate limit and burst must be positive")
	}
	if c.ReplayBatch <= 0 {
		return errors.New("replay batch must be positive")
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"replay": c.ReplaySchedule,
		"sweep":  c.SweepSchedule,
		"verify": c.VerifySchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
	}
	return nil
}

// Logger builds the process logger from the configured level and format
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// InMemory reports whether no database is configured
func (c *Config) InMemory() bool {
	return c.DatabaseURL == ""
}
