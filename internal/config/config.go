// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/rewrite-proxy/config.toml",
	"configs/config.toml",
}

// Redirect handling modes.
const (
	RedirectFollow  = "follow"
	RedirectSurface = "surface"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	PathStyle string `kong:"help='Proxy link style: raw|encoded|query (overrides config).',env='PATH_STYLE'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Session  SessionConfig  `toml:"session"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Agent    AgentConfig    `toml:"agent"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes       int64  `toml:"body_max_bytes"`
	ReadTimeoutSeconds int    `toml:"read_timeout_seconds"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"`
}

// UpstreamConfig holds settings for fetches to arbitrary upstream sites.
type UpstreamConfig struct {
	ConnectTimeoutSeconds  int    `toml:"connect_timeout_seconds"`
	ResponseTimeoutSeconds int    `toml:"response_timeout_seconds"`
	TotalTimeoutSeconds    int    `toml:"total_timeout_seconds"`
	IdleConnections        int    `toml:"idle_connections"`
	MaxRedirects           int    `toml:"max_redirects"` // 0 means "use default" (10); use redirect_mode = "surface" to never follow
	RedirectMode           string `toml:"redirect_mode"`
	UserAgent              string `toml:"user_agent"`
}

// ProxyConfig controls how proxy links are built.
type ProxyConfig struct {
	// PathStyle is one of raw, encoded, query.
	PathStyle string `toml:"path_style"`
	// PublicOrigin overrides the scheme://host derived from each request,
	// for deployments behind another reverse proxy.
	PublicOrigin string `toml:"public_origin"`
}

// SessionConfig controls the proxy-scoped session cookie.
type SessionConfig struct {
	CookieName string `toml:"cookie_name"`
	Secure     bool   `toml:"secure"`
}

// RewriteConfig controls HTML and CSS rewriting.
type RewriteConfig struct {
	MaxHTMLBytes int64 `toml:"max_html_bytes"`
	DisableCSS   bool  `toml:"disable_css"`
	// StripAds removes known ad and tracker scripts and frames.
	StripAds bool `toml:"strip_ads"`
}

// AgentConfig controls the injected instrumentation script.
type AgentConfig struct {
	Disabled   bool   `toml:"disabled"`
	ScriptPath string `toml:"script_path"`
	AllowEval  bool   `toml:"allow_eval"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/rewrite-proxy/config.toml then configs/config.toml. If neither exists
// the built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.PathStyle != "" {
		c.Proxy.PathStyle = cli.PathStyle
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ReadTimeoutSeconds < 0 || c.Server.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.ResponseTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.response_timeout_seconds must be non-negative; got %d", c.Upstream.ResponseTimeoutSeconds)
	}
	if c.Upstream.TotalTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.total_timeout_seconds must be non-negative; got %d", c.Upstream.TotalTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects)
	}
	if c.Rewrite.MaxHTMLBytes < 0 {
		return fmt.Errorf("rewrite.max_html_bytes must be non-negative; got %d", c.Rewrite.MaxHTMLBytes)
	}

	switch strings.ToLower(c.Upstream.RedirectMode) {
	case RedirectFollow, RedirectSurface, "":
	default:
		return fmt.Errorf("upstream.redirect_mode must be one of: follow, surface; got %q", c.Upstream.RedirectMode)
	}

	switch strings.ToLower(c.Proxy.PathStyle) {
	case "raw", "encoded", "query", "":
	default:
		return fmt.Errorf("proxy.path_style must be one of: raw, encoded, query; got %q", c.Proxy.PathStyle)
	}
	if c.Proxy.PublicOrigin != "" {
		u, err := url.Parse(c.Proxy.PublicOrigin)
		if err != nil {
			return fmt.Errorf("proxy.public_origin is not a valid URL: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("proxy.public_origin must be an http(s) origin; got %q", c.Proxy.PublicOrigin)
		}
		if u.Path != "" && u.Path != "/" {
			return fmt.Errorf("proxy.public_origin must not carry a path; got %q", c.Proxy.PublicOrigin)
		}
	}

	if name := c.Session.CookieName; name != "" && strings.ContainsAny(name, " \t;,=\"") {
		return fmt.Errorf("session.cookie_name contains invalid characters: %q", name)
	}

	if c.Agent.ScriptPath != "" {
		if _, err := os.Stat(c.Agent.ScriptPath); err != nil {
			return fmt.Errorf("agent.script_path: %w", err)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/proxy", "/healthz", "/status", "/http:", "/https:"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 30
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = 120
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.ResponseTimeoutSeconds == 0 {
		c.Upstream.ResponseTimeoutSeconds = 30
	}
	if c.Upstream.TotalTimeoutSeconds == 0 {
		c.Upstream.TotalTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 10
	}
	c.Upstream.RedirectMode = strings.ToLower(c.Upstream.RedirectMode)
	if c.Upstream.RedirectMode == "" {
		c.Upstream.RedirectMode = RedirectFollow
	}
	c.Proxy.PathStyle = strings.ToLower(c.Proxy.PathStyle)
	if c.Proxy.PathStyle == "" {
		c.Proxy.PathStyle = "encoded"
	}
	c.Proxy.PublicOrigin = strings.TrimSuffix(c.Proxy.PublicOrigin, "/")
	if c.Session.CookieName == "" {
		c.Session.CookieName = "__proxy_sid"
	}
	if c.Rewrite.MaxHTMLBytes == 0 {
		c.Rewrite.MaxHTMLBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectTimeout bounds dialing plus the TLS handshake of one hop.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ResponseTimeout bounds the wait for response headers of one hop, and any
// single wait for body bytes while relaying.
func (c *UpstreamConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutSeconds) * time.Second
}

// TotalTimeout bounds a whole fetch: every redirect hop plus buffering of a
// document for rewriting. Streamed relays are bounded by ResponseTimeout
// between reads instead.
func (c *UpstreamConfig) TotalTimeout() time.Duration {
	return time.Duration(c.TotalTimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
