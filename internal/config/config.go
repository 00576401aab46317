package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Store      StoreConfig      `yaml:"store"`
	Legacy     LegacyConfig     `yaml:"legacy"`
	Remote     RemoteConfig     `yaml:"remote"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type LegacyConfig struct {
	// Path of the exported flat key/value snapshot from the previous client.
	// Optional; read-only when present.
	Path string `yaml:"path"`
}

type RemoteConfig struct {
	Enabled    bool    `yaml:"enabled"`
	ProjectID  string  `yaml:"project_id"`
	DatabaseID string  `yaml:"database_id"`
	APIKey     string  `yaml:"api_key"`
	RateRPS    float64 `yaml:"rate_rps"`
	RateBurst  int     `yaml:"rate_burst"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type QueueConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; environment wins when both are present
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Expand ${VAR} references before parsing
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("store path is required")
	}
	if c.Remote.Enabled {
		if c.Remote.ProjectID == "" {
			return errors.New("remote project_id is required when remote sync is enabled")
		}
		if c.Remote.APIKey == "" {
			return errors.New("remote api_key is required when remote sync is enabled")
		}
	}
	if c.Queue.BackoffFactor < 0 {
		return errors.New("queue backoff_factor must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "crew-ops-sync"
	}
	if c.Remote.DatabaseID == "" {
		c.Remote.DatabaseID = "(default)"
	}
	if c.Remote.RateRPS == 0 {
		c.Remote.RateRPS = 5
	}
	if c.Remote.RateBurst == 0 {
		c.Remote.RateBurst = 10
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 15 * time.Second
	}
	if c.Queue.InitialDelay == 0 {
		c.Queue.InitialDelay = 2 * time.Second
	}
	if c.Queue.MaxDelay == 0 {
		c.Queue.MaxDelay = 5 * time.Minute
	}
	if c.Queue.BackoffFactor == 0 {
		c.Queue.BackoffFactor = 2
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
