// Package config loads the process configuration from a YAML file with
// environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the full process configuration snapshot, read once at startup.
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Stream struct {
		FlushInterval time.Duration `yaml:"flush_interval"`
		// Bridge selects the cross-instance fan-out: "", "redis" or
		// "pubsub".
		Bridge         string `yaml:"bridge"`
		PubSubProject  string `yaml:"pubsub_project"`
		PubSubTopic    string `yaml:"pubsub_topic"`
		PubSubSub      string `yaml:"pubsub_subscription"`
	} `yaml:"stream"`

	SMS struct {
		ProviderURL        string `yaml:"provider_url"`
		APIKey             string `yaml:"api_key"`
		MessagingProfileID string `yaml:"messaging_profile_id"`
		FromNumber         string `yaml:"from_number"`
	} `yaml:"sms"`

	Ingest struct {
		RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	} `yaml:"ingest"`
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Redis.Addr = "localhost:6379"
	cfg.Stream.FlushInterval = time.Second
	cfg.Ingest.RateLimitPerMinute = 600
	return cfg
}

// Load reads the YAML file at path (optional) and applies environment
// overrides. A missing file is not an error; env alone can configure the
// process.
func Load(path string) (*Config, error) {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured (DATABASE_URL)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SMS_PROVIDER_URL"); v != "" {
		cfg.SMS.ProviderURL = v
	}
	if v := os.Getenv("SMS_API_KEY"); v != "" {
		cfg.SMS.APIKey = v
	}
	if v := os.Getenv("SMS_MESSAGING_PROFILE_ID"); v != "" {
		cfg.SMS.MessagingProfileID = v
	}
	if v := os.Getenv("SMS_FROM_NUMBER"); v != "" {
		cfg.SMS.FromNumber = v
	}
	if v := os.Getenv("STREAM_BRIDGE"); v != "" {
		cfg.Stream.Bridge = v
	}
	if v := os.Getenv("PUBSUB_PROJECT"); v != "" {
		cfg.Stream.PubSubProject = v
	}
}
