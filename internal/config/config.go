package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	JWT      JWTConfig      `yaml:"jwt"`
	Redis    RedisConfig    `yaml:"redis"`
	Vault    VaultConfig    `yaml:"vault"`
	Sync     SyncConfig     `yaml:"sync"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Admin    AdminConfig    `yaml:"admin"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type LogConfig struct {
	Level         string `yaml:"level"`          // debug, info, warn, error
	RetentionDays int    `yaml:"retention_days"` // system_logs rows; 0 keeps forever
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

// AdminConfig is the administrator account created on first start.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RedisConfig for the optional async task queue and distributed locks
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// VaultConfig holds the master key integration tokens are encrypted with.
type VaultConfig struct {
	MasterKey string `yaml:"master_key"`
}

// SyncConfig controls the reconciliation sweep and outbound provider calls.
type SyncConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Schedule           string  `yaml:"schedule"` // cron expression
	CallTimeoutSeconds int     `yaml:"call_timeout_seconds"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"` // per provider
	Burst              int     `yaml:"burst"`
	LockTTLSeconds     int     `yaml:"lock_ttl_seconds"`
}

// WebhookConfig carries the inbound webhook credentials. Both providers fail
// closed when their credential is empty unless AllowUnsignedDev is set.
type WebhookConfig struct {
	GitHubSecret        string `yaml:"github_secret"`
	AzureDevOpsUsername string `yaml:"azure_devops_username"`
	AzureDevOpsPassword string `yaml:"azure_devops_password"`
	AllowUnsignedDev    bool   `yaml:"allow_unsigned_dev"`
}

func (s SyncConfig) CallTimeout() time.Duration {
	if s.CallTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.CallTimeoutSeconds) * time.Second
}

func (s SyncConfig) LockTTL() time.Duration {
	if s.LockTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.LockTTLSeconds) * time.Second
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		// Unmarshal over the defaults so partial files keep sane values.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.overrideFromEnv()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Log: LogConfig{
			Level:         "info",
			RetentionDays: 30,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "featurehub.db",
		},
		JWT: JWTConfig{
			Secret:     "featurehub-secret-key-change-in-production",
			ExpireHour: 24,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "admin",
		},
		Sync: SyncConfig{
			Enabled:            true,
			Schedule:           "*/15 * * * *",
			CallTimeoutSeconds: 30,
			RequestsPerSecond:  5,
			Burst:              10,
			LockTTLSeconds:     300,
		},
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if key := os.Getenv("VAULT_MASTER_KEY"); key != "" {
		c.Vault.MasterKey = key
	}
	if pass := os.Getenv("ADMIN_PASSWORD"); pass != "" {
		c.Admin.Password = pass
	}
	if schedule := os.Getenv("SYNC_SCHEDULE"); schedule != "" {
		c.Sync.Schedule = schedule
	}
	if enabled := os.Getenv("SYNC_ENABLED"); enabled != "" {
		c.Sync.Enabled = enabled == "true"
	}
	if secret := os.Getenv("GITHUB_WEBHOOK_SECRET"); secret != "" {
		c.Webhook.GitHubSecret = secret
	}
	if user := os.Getenv("AZURE_DEVOPS_WEBHOOK_USERNAME"); user != "" {
		c.Webhook.AzureDevOpsUsername = user
	}
	if pass := os.Getenv("AZURE_DEVOPS_WEBHOOK_PASSWORD"); pass != "" {
		c.Webhook.AzureDevOpsPassword = pass
	}
	if os.Getenv("WEBHOOK_ALLOW_UNSIGNED_DEV") == "true" {
		c.Webhook.AllowUnsignedDev = true
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// Password format: :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}
