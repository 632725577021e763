package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func validConfig() string {
	return `
[database]
host = "db.example.com"
name = "countersign"
user = "countersign"
password = "secret"

[imap]
host = "imap.example.com"
username = "approvals@example.com"
password = "secret"

[smtp]
host = "smtp.example.com"
from = "approvals@example.com"
username = "approvals@example.com"
password = "secret"
`
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	path := writeConfigFile(t, validConfig()+`
[engine]
check_interval = "90s"
token_ttl = "7d"
`)

	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Host != "db.example.com" {
		t.Errorf("database host = %q", cfg.Database.Host)
	}
	// Untouched defaults survive the merge.
	if cfg.IMAP.Port != 993 || cfg.IMAP.Folder != "INBOX" {
		t.Errorf("IMAP defaults lost: port=%d folder=%q", cfg.IMAP.Port, cfg.IMAP.Folder)
	}

	interval, err := cfg.Engine.GetCheckInterval()
	if err != nil {
		t.Fatalf("GetCheckInterval: %v", err)
	}
	if interval != 90*time.Second {
		t.Errorf("check interval = %v", interval)
	}

	ttl, err := cfg.Engine.GetTokenTTL()
	if err != nil {
		t.Fatalf("GetTokenTTL: %v", err)
	}
	if ttl != 7*24*time.Hour {
		t.Errorf("token TTL = %v", ttl)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := Load(filepath.Join(t.TempDir(), "absent.toml"), &cfg); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Missing IMAP host", func(c *Config) { c.IMAP.Host = "" }},
		{"Missing SMTP from", func(c *Config) { c.SMTP.From = "" }},
		{"Invalid SMTP from", func(c *Config) { c.SMTP.From = "not-an-address" }},
		{"TLS and STARTTLS both set", func(c *Config) { c.SMTP.TLS = true; c.SMTP.StartTLS = true }},
		{"API enabled without key", func(c *Config) { c.HTTPAPI.Enabled = true; c.HTTPAPI.APIKey = "" }},
		{"Bad check interval", func(c *Config) { c.Engine.CheckInterval = "whenever" }},
		{"Bad token TTL", func(c *Config) { c.Engine.TokenTTL = "x" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			if err := Load(writeConfigFile(t, validConfig()), &cfg); err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestTokenTTLDisabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Engine.TokenTTL = ""
	ttl, err := cfg.Engine.GetTokenTTL()
	if err != nil {
		t.Fatalf("GetTokenTTL: %v", err)
	}
	if ttl != 0 {
		t.Errorf("expected zero TTL for disabled expiry, got %v", ttl)
	}
}
