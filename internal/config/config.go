package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"flowmill/internal/queue"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DBConfig       `yaml:"database"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Queue    queue.Config   `yaml:"queue"`
	Agent    AgentConfig    `yaml:"agent"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type DispatchConfig struct {
	IntervalSeconds       int `yaml:"interval_seconds"`
	ExpireIntervalSeconds int `yaml:"expire_interval_seconds"`
}

func (c DispatchConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c DispatchConfig) ExpireInterval() time.Duration {
	return time.Duration(c.ExpireIntervalSeconds) * time.Second
}

type AgentConfig struct {
	Enabled      bool  `yaml:"enabled"`
	SiteID       int64 `yaml:"site_id"`
	LeaseSeconds int   `yaml:"lease_seconds"`
	Concurrency  int   `yaml:"concurrency"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Load reads the YAML config file, after loading a .env file when one is
// present. Missing file yields defaults.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

func defaults() Config {
	return Config{
		App:      AppConfig{Name: "flowmill", Environment: "development"},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Database: DBConfig{Path: "flowmill.db"},
		Dispatch: DispatchConfig{IntervalSeconds: 1, ExpireIntervalSeconds: 10},
		Queue:    queue.Config{DefaultSiteMaxConcurrency: 16},
		Agent:    AgentConfig{Enabled: true, LeaseSeconds: 60, Concurrency: 8},
		Logging:  LoggingConfig{Level: "info", Format: "console"},
	}
}

func (c Config) withDefaults() Config {
	d := defaults()
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = d.HTTP.Addr
	}
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.Dispatch.IntervalSeconds <= 0 {
		c.Dispatch.IntervalSeconds = d.Dispatch.IntervalSeconds
	}
	if c.Dispatch.ExpireIntervalSeconds <= 0 {
		c.Dispatch.ExpireIntervalSeconds = d.Dispatch.ExpireIntervalSeconds
	}
	if c.Queue.DefaultSiteMaxConcurrency <= 0 {
		c.Queue.DefaultSiteMaxConcurrency = d.Queue.DefaultSiteMaxConcurrency
	}
	if c.Agent.LeaseSeconds <= 0 {
		c.Agent.LeaseSeconds = d.Agent.LeaseSeconds
	}
	if c.Agent.Concurrency <= 0 {
		c.Agent.Concurrency = d.Agent.Concurrency
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	return c
}
