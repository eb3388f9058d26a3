package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvAdminToken   = "ADMIN_TOKEN"
	EnvLogLevel     = "LOG_LEVEL"
	EnvPort         = "PORT"
	EnvRedisAddr    = "REDIS_ADDR"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
	// Port overrides the listen port when positive.
	Port int
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// FileConfig is the bootstrap configuration read once at startup. Everything
// that may change at runtime lives in the settings table instead.
type FileConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	DatabaseDSN string `yaml:"database-dsn"`
	Database    struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	LogLevel string `yaml:"log-level"`

	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Rotation  RotationConfig  `yaml:"rotation"`
	Credit    CreditConfig    `yaml:"credit"`
	Register  RegisterConfig  `yaml:"register"`
	Refresh   RefreshConfig   `yaml:"refresh"`

	// Settings seeds live setting rows that do not exist yet.
	Settings map[string]any `yaml:"settings"`
}

// LifecycleConfig sizes the post-response update queue.
type LifecycleConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue-size"`
}

// RotationConfig selects the round-robin cursor backend.
type RotationConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig describes the shared cursor store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CreditConfig configures the upstream credit lookup.
type CreditConfig struct {
	Endpoints       map[string]string `yaml:"endpoints"`
	DefaultEndpoint string            `yaml:"default-endpoint"`
	RatePerSecond   float64           `yaml:"rate-per-second"`
	Burst           int               `yaml:"burst"`
	Timeout         time.Duration     `yaml:"timeout"`
}

// RegisterConfig tunes registration task polling.
type RegisterConfig struct {
	PollInterval time.Duration `yaml:"poll-interval"`
	MaxAttempts  int           `yaml:"max-attempts"`
}

// RefreshConfig tunes the stale session refresh.
type RefreshConfig struct {
	BatchDelay time.Duration `yaml:"batch-delay"`
}

const (
	defaultHost              = "0.0.0.0"
	defaultPort              = 5100
	defaultDatabaseDSN       = "file:dreamina.db"
	defaultLogLevel          = "info"
	defaultLifecycleWorkers  = 4
	defaultLifecycleQueue    = 1024
	defaultRedisPrefix       = "dreamina:rotation:"
	defaultCreditRate        = 5
	defaultCreditBurst       = 5
	defaultCreditTimeout     = 15 * time.Second
	defaultRegisterPoll      = 10 * time.Second
	defaultRegisterAttempts  = 60
	defaultRefreshBatchDelay = 5 * time.Second
	defaultCreditEndpoint    = "https://commerce.capcut.com/commerce/v1/benefits/user_credit"
)

// Default returns the bootstrap config used when the file is absent.
func Default() FileConfig {
	cfg := FileConfig{
		Host:        defaultHost,
		Port:        defaultPort,
		DatabaseDSN: defaultDatabaseDSN,
		LogLevel:    defaultLogLevel,
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML config at configPath, tolerating a missing file, and
// applies environment overrides and defaults.
func Load(configPath string) (FileConfig, error) {
	cfg := FileConfig{}
	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return FileConfig{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return FileConfig{}, fmt.Errorf("read config file: %w", errRead)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn == "" {
		cfg.DatabaseDSN = strings.TrimSpace(cfg.Database.DSN)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Addr returns the listen address.
func (c FileConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *FileConfig) applyEnv() {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		c.DatabaseDSN = dsn
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		c.LogLevel = level
	}
	if portRaw := strings.TrimSpace(os.Getenv(EnvPort)); portRaw != "" {
		if port, errParse := strconv.Atoi(portRaw); errParse == nil && port > 0 {
			c.Port = port
		}
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		c.Rotation.Redis.Addr = addr
		c.Rotation.Redis.Enabled = true
	}
	if token := strings.TrimSpace(os.Getenv(EnvAdminToken)); token != "" {
		if c.Settings == nil {
			c.Settings = make(map[string]any)
		}
		c.Settings["ADMIN_TOKEN"] = token
	}
}

func (c *FileConfig) applyDefaults() {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = defaultHost
	}
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		c.DatabaseDSN = defaultDatabaseDSN
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Lifecycle.Workers <= 0 {
		c.Lifecycle.Workers = defaultLifecycleWorkers
	}
	if c.Lifecycle.QueueSize <= 0 {
		c.Lifecycle.QueueSize = defaultLifecycleQueue
	}
	if strings.TrimSpace(c.Rotation.Redis.Prefix) == "" {
		c.Rotation.Redis.Prefix = defaultRedisPrefix
	}
	if strings.TrimSpace(c.Credit.DefaultEndpoint) == "" {
		c.Credit.DefaultEndpoint = defaultCreditEndpoint
	}
	if c.Credit.RatePerSecond <= 0 {
		c.Credit.RatePerSecond = defaultCreditRate
	}
	if c.Credit.Burst <= 0 {
		c.Credit.Burst = defaultCreditBurst
	}
	if c.Credit.Timeout <= 0 {
		c.Credit.Timeout = defaultCreditTimeout
	}
	if c.Register.PollInterval <= 0 {
		c.Register.PollInterval = defaultRegisterPoll
	}
	if c.Register.MaxAttempts <= 0 {
		c.Register.MaxAttempts = defaultRegisterAttempts
	}
	if c.Refresh.BatchDelay < 0 {
		c.Refresh.BatchDelay = 0
	} else if c.Refresh.BatchDelay == 0 {
		c.Refresh.BatchDelay = defaultRefreshBatchDelay
	}
}
