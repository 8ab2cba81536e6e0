package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Sync.Schedule != "*/15 * * * *" {
		t.Errorf("Sync.Schedule = %q, expected every 15 minutes", cfg.Sync.Schedule)
	}
	if cfg.Webhook.AllowUnsignedDev {
		t.Error("unsigned webhooks must be disabled by default")
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, expected sqlite", cfg.Database.Driver)
	}
}

func TestSyncConfig_Durations(t *testing.T) {
	tests := []struct {
		name        string
		cfg         SyncConfig
		wantTimeout time.Duration
		wantTTL     time.Duration
	}{
		{"zero values use defaults", SyncConfig{}, 30 * time.Second, 5 * time.Minute},
		{"explicit values", SyncConfig{CallTimeoutSeconds: 5, LockTTLSeconds: 60}, 5 * time.Second, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.CallTimeout(); got != tt.wantTimeout {
				t.Errorf("CallTimeout() = %v, expected %v", got, tt.wantTimeout)
			}
			if got := tt.cfg.LockTTL(); got != tt.wantTTL {
				t.Errorf("LockTTL() = %v, expected %v", got, tt.wantTTL)
			}
		})
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		addr     string
		password string
		db       int
	}{
		{"host only", "redis://localhost:6379", "localhost:6379", "", 0},
		{"with password and db", "redis://:secret@redis:6380/2", "redis:6380", "secret", 2},
		{"user and password", "redis://user:pw@10.0.0.1:6379/1", "10.0.0.1:6379", "pw", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.parseRedisURL(tt.url)
			if cfg.Redis.Addr != tt.addr {
				t.Errorf("Addr = %q, expected %q", cfg.Redis.Addr, tt.addr)
			}
			if cfg.Redis.Password != tt.password {
				t.Errorf("Password = %q, expected %q", cfg.Redis.Password, tt.password)
			}
			if cfg.Redis.DB != tt.db {
				t.Errorf("DB = %d, expected %d", cfg.Redis.DB, tt.db)
			}
		})
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "sync:\n  schedule: \"*/5 * * * *\"\nwebhook:\n  github_secret: s3cret\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.Schedule != "*/5 * * * *" {
		t.Errorf("Sync.Schedule = %q, expected file value", cfg.Sync.Schedule)
	}
	if cfg.Webhook.GitHubSecret != "s3cret" {
		t.Errorf("GitHubSecret = %q, expected s3cret", cfg.Webhook.GitHubSecret)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, default should survive partial file", cfg.Server.Port)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("WEBHOOK_ALLOW_UNSIGNED_DEV", "true")
	t.Setenv("AZURE_DEVOPS_WEBHOOK_PASSWORD", "hook-pass")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Webhook.AllowUnsignedDev {
		t.Error("AllowUnsignedDev should be enabled from env")
	}
	if cfg.Webhook.AzureDevOpsPassword != "hook-pass" {
		t.Errorf("AzureDevOpsPassword = %q, expected env value", cfg.Webhook.AzureDevOpsPassword)
	}
}
