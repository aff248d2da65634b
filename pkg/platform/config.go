// Package platform composes the gateway from configuration.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/txn2/live-gateway/pkg/audit"
	"github.com/txn2/live-gateway/pkg/directory"
	"github.com/txn2/live-gateway/pkg/httpapi"
	"github.com/txn2/live-gateway/pkg/token"
)

// Config holds the complete gateway configuration.
type Config struct {
	APIVersion string `yaml:"apiVersion"`

	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Tokens    TokensConfig    `yaml:"tokens"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Directory DirectoryConfig `yaml:"directory"`
	Auth      AuthConfig      `yaml:"auth"`
	Audit     audit.Config    `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	AllowedOrigin   string        `yaml:"allowed_origin"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json", "text"
}

// DatabaseConfig configures the database connection. An empty DSN runs the
// gateway on in-memory stores.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// TokensConfig configures issuance and upkeep.
type TokensConfig struct {
	Defaults        token.Quota            `yaml:"defaults"`
	Plans           map[string]token.Quota `yaml:"plans"`
	CleanupInterval time.Duration          `yaml:"cleanup_interval"`
}

// RealtimeConfig configures the provider connection.
type RealtimeConfig struct {
	URL              string        `yaml:"url"`
	APIKey           string        `yaml:"api_key"`
	Model            string        `yaml:"model"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PongWait         time.Duration `yaml:"pong_wait"`
}

// SessionsConfig configures the session registry and reaper.
type SessionsConfig struct {
	RequireToken bool          `yaml:"require_token"`
	InboxSize    int           `yaml:"inbox_size"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DirectoryConfig configures the user directory. Static users are used when
// no database is configured.
type DirectoryConfig struct {
	Users    []directory.User `yaml:"users"`
	CacheTTL time.Duration    `yaml:"cache_ttl"`
}

// AuthConfig configures operator API keys.
type AuthConfig struct {
	APIKeys []httpapi.APIKey `yaml:"api_keys"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig loads configuration from a file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is the operator-supplied config file
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig expands ${VAR} references, decodes YAML and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	if _, err := resolveVersion(PeekVersion([]byte(expanded))); err != nil {
		return nil, err
	}

	var cfg Config
	if err := unmarshalStrict([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Tokens.CleanupInterval <= 0 {
		cfg.Tokens.CleanupInterval = time.Hour
	}
	if cfg.Directory.CacheTTL <= 0 {
		cfg.Directory.CacheTTL = 5 * time.Minute
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Audit.MemoryCapacity == 0 {
		cfg.Audit.MemoryCapacity = 10000
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Realtime.URL == "" {
		errs = append(errs, "realtime.url is required")
	}
	if c.Realtime.APIKey == "" {
		errs = append(errs, "realtime.api_key is required")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, "server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	if c.Database.DSN == "" && len(c.Directory.Users) == 0 {
		errs = append(errs, "directory.users is required when no database is configured")
	}
	if c.Sessions.InboxSize < 0 {
		errs = append(errs, "sessions.inbox_size must not be negative")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"tokens.cleanup_interval", c.Tokens.CleanupInterval},
		{"sessions.reap_interval", c.Sessions.ReapInterval},
		{"sessions.idle_timeout", c.Sessions.IdleTimeout},
		{"directory.cache_ttl", c.Directory.CacheTTL},
		{"realtime.handshake_timeout", c.Realtime.HandshakeTimeout},
		{"realtime.write_timeout", c.Realtime.WriteTimeout},
		{"realtime.pong_wait", c.Realtime.PongWait},
	} {
		if d.value < 0 {
			errs = append(errs, d.name+" must not be negative")
		}
	}
	for name, q := range c.Tokens.Plans {
		if q.MaxSessions < 0 || q.MaxMessages < 0 || q.Expiration < 0 {
			errs = append(errs, fmt.Sprintf("tokens.plans.%s must not have negative bounds", name))
		}
	}
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" && k.KeyHash == "" {
			errs = append(errs, fmt.Sprintf("auth.api_keys[%d] needs key or key_hash", i))
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, "logging.format must be json or text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
