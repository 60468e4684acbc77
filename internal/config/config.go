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
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Google     GoogleConfig     `yaml:"google"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Sync       SyncConfig       `yaml:"sync"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Reports    ReportConfig     `yaml:"reports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type GoogleConfig struct {
	CredentialsFile string  `yaml:"credentials_file"`
	CallbackAddress string  `yaml:"callback_address"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps"`
}

type WebhookConfig struct {
	Secret        string        `yaml:"secret"`
	RenewalWindow time.Duration `yaml:"renewal_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type SyncConfig struct {
	Workers          int           `yaml:"workers"`
	PollingInterval  time.Duration `yaml:"polling_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	TransportRetries int           `yaml:"transport_retries"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
	CleanupAfterDays int           `yaml:"cleanup_after_days"`
	CleanupKeepMin   int           `yaml:"cleanup_keep_min"`
}

type MonitoringConfig struct {
	Interval          time.Duration `yaml:"interval"`
	StuckThreshold    time.Duration `yaml:"stuck_threshold"`
	PrometheusEnabled bool          `yaml:"prometheus_enabled"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ReportConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Time    string `yaml:"time"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; variables referenced from YAML may come from the
	// real environment instead.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

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
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Webhook.Secret == "" {
		return errors.New("webhook secret is required")
	}
	if c.Google.CallbackAddress == "" {
		return errors.New("google callback address is required")
	}
	if c.Sync.MaxRetries < 0 {
		return errors.New("sync max_retries must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "sheetsync"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.PollingInterval == 0 {
		c.Sync.PollingInterval = 15 * time.Minute
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.TransportRetries == 0 {
		c.Sync.TransportRetries = 3
	}
	if c.Sync.LeaseTTL == 0 {
		c.Sync.LeaseTTL = 10 * time.Minute
	}
	if c.Sync.CleanupAfterDays == 0 {
		c.Sync.CleanupAfterDays = 30
	}
	if c.Sync.CleanupKeepMin == 0 {
		c.Sync.CleanupKeepMin = 100
	}
	if c.Webhook.RenewalWindow == 0 {
		c.Webhook.RenewalWindow = 2 * time.Hour
	}
	if c.Webhook.SweepInterval == 0 {
		c.Webhook.SweepInterval = 30 * time.Minute
	}
	if c.Monitoring.Interval == 0 {
		c.Monitoring.Interval = 5 * time.Minute
	}
	if c.Monitoring.StuckThreshold == 0 {
		c.Monitoring.StuckThreshold = 30 * time.Minute
	}
	if c.Google.RateLimitRPS == 0 {
		c.Google.RateLimitRPS = 5
	}
	if c.Reports.Time == "" {
		c.Reports.Time = "06:00"
	}
	if c.Reports.Path == "" {
		c.Reports.Path = "reports"
	}
}
