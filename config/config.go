package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/parchmint/countersign/helpers"
)

// Config is the top-level TOML configuration for the countersign daemon.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Database  DatabaseConfig  `toml:"database"`
	IMAP      IMAPConfig      `toml:"imap"`
	SMTP      SMTPConfig      `toml:"smtp"`
	Engine    EngineConfig    `toml:"engine"`
	Retention RetentionConfig `toml:"retention"`
	HTTPAPI   HTTPAPIConfig   `toml:"http_api"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// LoggingConfig controls log output, format and level.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // debug, info, warn, error
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	LogQueries      bool   `toml:"log_queries"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
	QueryTimeout    string `toml:"query_timeout"` // Timeout for individual queries (default: "30s")
}

// IMAPConfig describes the mailbox that receives approval replies.
type IMAPConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	TLS         bool   `toml:"tls"`          // Implicit TLS (default: true, port 993)
	Folder      string `toml:"folder"`       // Mailbox to poll (default: "INBOX")
	DialTimeout string `toml:"dial_timeout"` // Connection timeout (default: "30s")
}

// SMTPConfig describes the outbound server used for approval request mail.
type SMTPConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	TLS        bool   `toml:"tls"`       // Implicit TLS
	StartTLS   bool   `toml:"start_tls"` // STARTTLS upgrade (default: true, port 587)
	TLSVerify  *bool  `toml:"tls_verify"`
	From       string `toml:"from"`        // Sender address for approval requests
	SenderName string `toml:"sender_name"` // Display name (default: "Countersign")
}

// EngineConfig controls the approval check cycle.
type EngineConfig struct {
	CheckInterval string `toml:"check_interval"` // Poll interval (default: "5m", minimum: "30s")
	TokenTTL      string `toml:"token_ttl"`      // Approval token lifetime, "" disables expiry (default: "72h")
}

// RetentionConfig controls the background sweep of stale rows.
type RetentionConfig struct {
	Enabled        bool   `toml:"enabled"`
	SweepInterval  string `toml:"sweep_interval"`  // How often to sweep (default: "1h")
	AuditRetention string `toml:"audit_retention"` // Prune audit rows older than this; "" keeps everything
}

// HTTPAPIConfig controls the admin HTTP API listener.
type HTTPAPIConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"` // default ":8980"
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
}

// MetricsConfig controls the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // default ":9090"
}

// NewDefaultConfig returns a Config populated with application defaults.
// Values from the TOML file and command-line flags override these.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host: "localhost",
			Port: "5432",
			User: "postgres",
			Name: "countersign_db",
		},
		IMAP: IMAPConfig{
			Port:   993,
			TLS:    true,
			Folder: "INBOX",
		},
		SMTP: SMTPConfig{
			Port:       587,
			StartTLS:   true,
			SenderName: "Countersign",
		},
		Engine: EngineConfig{
			CheckInterval: "5m",
			TokenTTL:      "72h",
		},
		Retention: RetentionConfig{
			Enabled:       true,
			SweepInterval: "1h",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: ":8980",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads the TOML file at path into cfg, overriding defaults in place.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return fmt.Errorf("failed to parse configuration file '%s': %w", path, err)
	}
	return nil
}

// Validate checks that the configuration is internally consistent. It is
// called once at startup; errors here are fatal.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.IMAP.Host == "" {
		return fmt.Errorf("imap.host is required")
	}
	if c.IMAP.Username == "" {
		return fmt.Errorf("imap.username is required")
	}
	if c.SMTP.Host == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if c.SMTP.From == "" {
		return fmt.Errorf("smtp.from is required")
	}
	if !strings.Contains(c.SMTP.From, "@") {
		return fmt.Errorf("smtp.from '%s' is not a valid address", c.SMTP.From)
	}
	if c.SMTP.TLS && c.SMTP.StartTLS {
		return fmt.Errorf("smtp.tls and smtp.start_tls are mutually exclusive")
	}
	if c.HTTPAPI.Enabled && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when the HTTP API is enabled")
	}
	if _, err := c.Engine.GetCheckInterval(); err != nil {
		return fmt.Errorf("engine.check_interval: %w", err)
	}
	if _, err := c.Engine.GetTokenTTL(); err != nil {
		return fmt.Errorf("engine.token_ttl: %w", err)
	}
	if _, err := c.Retention.GetSweepInterval(); err != nil {
		return fmt.Errorf("retention.sweep_interval: %w", err)
	}
	if _, err := c.Retention.GetAuditRetention(); err != nil {
		return fmt.Errorf("retention.audit_retention: %w", err)
	}
	if _, err := c.IMAP.GetDialTimeout(); err != nil {
		return fmt.Errorf("imap.dial_timeout: %w", err)
	}
	return nil
}

// GetQueryTimeout parses the per-query timeout.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetMaxConnLifetime parses the max connection lifetime.
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time.
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// GetDialTimeout parses the IMAP connection timeout.
func (i *IMAPConfig) GetDialTimeout() (time.Duration, error) {
	if i.DialTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(i.DialTimeout)
}

// Address returns the host:port dial address for the mailbox.
func (i *IMAPConfig) Address() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// Address returns the host:port dial address for the outbound server.
func (s *SMTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetTLSVerify returns whether to verify the SMTP server certificate (default true).
func (s *SMTPConfig) GetTLSVerify() bool {
	if s.TLSVerify == nil {
		return true
	}
	return *s.TLSVerify
}

// GetCheckInterval parses the engine poll interval.
func (e *EngineConfig) GetCheckInterval() (time.Duration, error) {
	if e.CheckInterval == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(e.CheckInterval)
}

// GetTokenTTL parses the token lifetime. Zero means tokens never expire.
func (e *EngineConfig) GetTokenTTL() (time.Duration, error) {
	if e.TokenTTL == "" {
		return 0, nil
	}
	return helpers.ParseDuration(e.TokenTTL)
}

// GetSweepInterval parses the retention sweep interval.
func (r *RetentionConfig) GetSweepInterval() (time.Duration, error) {
	if r.SweepInterval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(r.SweepInterval)
}

// GetAuditRetention parses the audit retention window. Zero keeps audit rows
// forever, which is the default since the log is append-only by contract.
func (r *RetentionConfig) GetAuditRetention() (time.Duration, error) {
	if r.AuditRetention == "" {
		return 0, nil
	}
	return helpers.ParseDuration(r.AuditRetention)
}
