package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	// DSN is a PostgreSQL connection string. Empty selects the in-memory
	// store, which is not production safe.
	DSN string `yaml:"dsn"`
}

type EngineConfig struct {
	WatchdogInterval string `yaml:"watchdog_interval"`
	DefaultRetention string `yaml:"default_retention"`
}

type NotifyConfig struct {
	AuditURL        string `yaml:"audit_url"`
	AuditTimeout    string `yaml:"audit_timeout"`
	EventBusURL     string `yaml:"event_bus_url"`
	EventBusTimeout string `yaml:"event_bus_timeout"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8100,
		},
		Database: DatabaseConfig{
			DSN: "",
		},
		Engine: EngineConfig{
			WatchdogInterval: "5s",
			DefaultRetention: "720h",
		},
		Notify: NotifyConfig{
			AuditTimeout:    "5s",
			EventBusTimeout: "5s",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("APP_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_ENGINE_WATCHDOG_INTERVAL")); v != "" {
		cfg.Engine.WatchdogInterval = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_ENGINE_DEFAULT_RETENTION")); v != "" {
		cfg.Engine.DefaultRetention = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_NOTIFY_AUDIT_URL")); v != "" {
		cfg.Notify.AuditURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_NOTIFY_EVENT_BUS_URL")); v != "" {
		cfg.Notify.EventBusURL = v
	}

	return cfg, nil
}

// WatchdogInterval parses the configured sweep interval, falling back to the
// default on bad input.
func (c EngineConfig) WatchdogIntervalDuration() time.Duration {
	return parseDuration(c.WatchdogInterval, 5*time.Second)
}

// DefaultRetentionDuration parses the configured retention, falling back to
// 30 days on bad input.
func (c EngineConfig) DefaultRetentionDuration() time.Duration {
	return parseDuration(c.DefaultRetention, 720*time.Hour)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func Module(path string) fx.Option {
	return fx.Provide(func() (Config, error) {
		return Load(path)
	})
}
