// Package config provides configuration parsing and validation for oxy.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/transport"
)

// Format selects the syntax of a configuration file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the format from a file extension. Anything but .toml is
// read as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Config represents the complete configuration of an oxy process.
type Config struct {
	Log       LogConfig       `yaml:"log" toml:"log"`
	Identity  IdentityConfig  `yaml:"identity" toml:"identity"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Shell     ShellConfig     `yaml:"shell" toml:"shell"`
	Files     FilesConfig     `yaml:"files" toml:"files"`
	Forward   ForwardConfig   `yaml:"forward" toml:"forward"`
	Tunnel    TunnelConfig    `yaml:"tunnel" toml:"tunnel"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// IdentityConfig names the key material. Command-line flags override it.
type IdentityConfig struct {
	Keyfile string `yaml:"keyfile" toml:"keyfile"`
	Peer    string `yaml:"peer" toml:"peer"`
	PSK     string `yaml:"psk" toml:"psk"`
}

// SessionConfig tunes the session engine.
type SessionConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" toml:"keepalive_interval"`
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout" toml:"keepalive_timeout"`
	QueueSize         int           `yaml:"queue_size" toml:"queue_size"`
}

// TransportConfig selects and tunes the raw transport.
type TransportConfig struct {
	Type        string        `yaml:"type" toml:"type"`
	Path        string        `yaml:"path" toml:"path"`
	Proxy       string        `yaml:"proxy" toml:"proxy"`
	DialTimeout time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	TLS         bool          `yaml:"tls" toml:"tls"`
	CertFile    string        `yaml:"cert_file" toml:"cert_file"`
	KeyFile     string        `yaml:"key_file" toml:"key_file"`
	Retry       RetryConfig   `yaml:"retry" toml:"retry"`
}

// RetryConfig controls reconnection of dialing modes.
type RetryConfig struct {
	MinDelay    time.Duration `yaml:"min_delay" toml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" toml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
}

// ShellConfig controls command and pty execution on the server side.
type ShellConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Shell       string `yaml:"shell" toml:"shell"`
	MaxSessions int    `yaml:"max_sessions" toml:"max_sessions"`
}

// FilesConfig controls file operations on the server side.
type FilesConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	AllowedPaths []string `yaml:"allowed_paths" toml:"allowed_paths"`
	RateLimit    string   `yaml:"rate_limit" toml:"rate_limit"`
	MaxUpload    string   `yaml:"max_upload" toml:"max_upload"`
}

// ForwardConfig controls port forwarding and knocks.
type ForwardConfig struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled"`
	DialTimeout time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

// TunnelConfig controls TUN/TAP tunnels.
type TunnelConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Address string `yaml:"address" toml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Session: SessionConfig{
			HandshakeTimeout:  10 * time.Second,
			KeepaliveInterval: 30 * time.Second,
			KeepaliveTimeout:  10 * time.Second,
			QueueSize:         64,
		},
		Transport: TransportConfig{
			Type:        "tcp",
			Path:        transport.DefaultWSPath,
			DialTimeout: 30 * time.Second,
			Retry: RetryConfig{
				MinDelay:    500 * time.Millisecond,
				MaxDelay:    30 * time.Second,
				MaxAttempts: 5,
			},
		},
		Shell: ShellConfig{
			Enabled:     true,
			Shell:       "/bin/sh",
			MaxSessions: 16,
		},
		Files: FilesConfig{
			Enabled:      true,
			AllowedPaths: []string{},
			MaxUpload:    "0",
		},
		Forward: ForwardConfig{
			Enabled:     true,
			DialTimeout: 10 * time.Second,
		},
		Tunnel: TunnelConfig{
			Enabled: true,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data, FormatOf(path))
}

// Parse parses configuration bytes in the given format on top of the
// defaults.
func Parse(data []byte, format Format) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !logging.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Session.HandshakeTimeout <= 0 {
		errs = append(errs, "session.handshake_timeout must be positive")
	}
	if c.Session.KeepaliveInterval <= 0 {
		errs = append(errs, "session.keepalive_interval must be positive")
	}
	if c.Session.KeepaliveTimeout <= 0 {
		errs = append(errs, "session.keepalive_timeout must be positive")
	}
	if c.Session.QueueSize < 1 {
		errs = append(errs, "session.queue_size must be at least 1")
	}

	tt, err := transport.ParseTransportType(c.Transport.Type)
	if err != nil {
		errs = append(errs, fmt.Sprintf("transport.type: %v (must be tcp, ws, or quic)", err))
	}
	if tt == transport.TransportWebSocket && !strings.HasPrefix(c.Transport.Path, "/") {
		errs = append(errs, "transport.path must start with / for ws transport")
	}
	if c.Transport.Proxy != "" {
		if tt == transport.TransportQUIC {
			errs = append(errs, "transport.proxy is not supported with quic")
		} else if _, err := url.Parse(c.Transport.Proxy); err != nil {
			errs = append(errs, fmt.Sprintf("transport.proxy: %v", err))
		}
	}
	if (c.Transport.CertFile == "") != (c.Transport.KeyFile == "") {
		errs = append(errs, "transport.cert_file and transport.key_file must be set together")
	}
	if c.Transport.DialTimeout < 0 {
		errs = append(errs, "transport.dial_timeout must not be negative")
	}
	if c.Transport.Retry.MinDelay <= 0 || c.Transport.Retry.MaxDelay < c.Transport.Retry.MinDelay {
		errs = append(errs, "transport.retry requires 0 < min_delay <= max_delay")
	}
	if c.Transport.Retry.MaxAttempts < 0 {
		errs = append(errs, "transport.retry.max_attempts must not be negative")
	}

	if c.Shell.Enabled && c.Shell.Shell == "" {
		errs = append(errs, "shell.shell is required when enabled")
	}
	if c.Shell.MaxSessions < 0 {
		errs = append(errs, "shell.max_sessions must not be negative")
	}

	if _, err := parseSize(c.Files.RateLimit); err != nil {
		errs = append(errs, fmt.Sprintf("files.rate_limit: %v", err))
	}
	if _, err := parseSize(c.Files.MaxUpload); err != nil {
		errs = append(errs, fmt.Sprintf("files.max_upload: %v", err))
	}
	for i, p := range c.Files.AllowedPaths {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Sprintf("files.allowed_paths[%d]: must be absolute: %s", i, p))
		}
	}

	if c.Forward.DialTimeout < 0 {
		errs = append(errs, "forward.dial_timeout must not be negative")
	}

	if c.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.address: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// parseSize parses a human size such as "10 MiB". Empty means zero.
func parseSize(s string) (uint64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return humanize.ParseBytes(s)
}

// RateLimitBytes returns the file transfer rate limit in bytes per second.
// Zero means unlimited.
func (f FilesConfig) RateLimitBytes() uint64 {
	n, _ := parseSize(f.RateLimit)
	return n
}

// MaxUploadBytes returns the largest accepted upload. Zero means unlimited.
func (f FilesConfig) MaxUploadBytes() uint64 {
	n, _ := parseSize(f.MaxUpload)
	return n
}

// TransportType returns the parsed transport type.
func (t TransportConfig) TransportType() transport.TransportType {
	tt, err := transport.ParseTransportType(t.Type)
	if err != nil {
		return transport.TransportTCP
	}
	return tt
}

// Options converts the section into transport options.
func (t TransportConfig) Options() transport.Options {
	return transport.Options{
		Timeout:  t.DialTimeout,
		Proxy:    t.Proxy,
		Path:     t.Path,
		CertFile: t.CertFile,
		KeyFile:  t.KeyFile,
		TLS:      t.TLS,
	}
}

// RetryConfig converts the retry section for transport.DialWithRetry.
func (t TransportConfig) RetryConfig() transport.RetryConfig {
	return transport.RetryConfig{
		MinDelay:    t.Retry.MinDelay,
		MaxDelay:    t.Retry.MaxDelay,
		MaxAttempts: t.Retry.MaxAttempts,
	}
}

// String returns a YAML rendering of the config with secrets redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config that is safe to log.
func (c *Config) Redacted() *Config {
	r := *c
	r.Files.AllowedPaths = append([]string(nil), c.Files.AllowedPaths...)
	if r.Identity.PSK != "" {
		r.Identity.PSK = redactedValue
	}
	if r.Transport.Proxy != "" {
		if u, err := url.Parse(r.Transport.Proxy); err == nil {
			r.Transport.Proxy = u.Redacted()
		}
	}
	return &r
}
