// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"mempool-proxy-go/internal/rewrite"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/mempool-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes may not be used as route prefixes.
var reservedRoutes = []string{"/healthz", "/proxy/status", "/demo"}

const defaultMetricsPath = "/metrics"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Origin   string `kong:"help='Local origin that serves the proxy routes (overrides config).',env='LOCAL_ORIGIN'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Serve ServeCmd `kong:"cmd,default='1',help='Run the proxy server (default).'"`
	Fetch FetchCmd `kong:"cmd,help='Query the block explorer through the local proxy.'"`
}

// ServeCmd runs the HTTP server.
type ServeCmd struct{}

// FetchCmd queries one explorer resource and prints it as JSON.
type FetchCmd struct {
	Kind string `kong:"arg,enum='address,utxo,tx',help='Resource kind: address|utxo|tx.'"`
	ID   string `kong:"arg,help='Bitcoin address or transaction id.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Routes   []RouteConfig  `toml:"route"`
	Client   ClientConfig   `toml:"client"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings shared by all routes.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// RouteConfig maps a local path prefix to an upstream target. Requests from
// the intercepting client for any of Hosts are rewritten to Prefix.
type RouteConfig struct {
	Prefix string   `toml:"prefix"`
	Target string   `toml:"target"`
	Hosts  []string `toml:"hosts"`
}

// ClientConfig holds settings for the intercepting client used by the demo
// endpoints and the fetch command.
type ClientConfig struct {
	LocalOrigin    string `toml:"local_origin"`
	ExplorerURL    string `toml:"explorer_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultRoute is the block-explorer route used when no [[route]] is configured.
func DefaultRoute() RouteConfig {
	return RouteConfig{
		Prefix: "/mempool",
		Target: "https://mempool.space",
		Hosts:  []string{"mempool.space", "mempool.holdings"},
	}
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/mempool-proxy/config.toml then configs/config.toml. If neither exists
// the built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
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
	if cli.Origin != "" {
		c.Client.LocalOrigin = cli.Origin
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := c.validateRoutes(); err != nil {
		return err
	}

	if c.Client.LocalOrigin != "" {
		u, err := url.Parse(c.Client.LocalOrigin)
		if err != nil {
			return fmt.Errorf("client.local_origin is not a valid URL: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("client.local_origin must be an absolute http(s) URL; got %q", c.Client.LocalOrigin)
		}
		if u.Path != "" && u.Path != "/" {
			return fmt.Errorf("client.local_origin must not contain a path; got %q", c.Client.LocalOrigin)
		}
	}
	if c.Client.ExplorerURL != "" {
		u, err := url.Parse(c.Client.ExplorerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("client.explorer_url must be an absolute http(s) URL; got %q", c.Client.ExplorerURL)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Client.TimeoutSeconds < 0 {
		return fmt.Errorf("client.timeout_seconds must be non-negative; got %d", c.Client.TimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation settings must be non-negative")
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
	// An empty path is checked as the default it will become.
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p == "" {
			p = defaultMetricsPath
		}
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		reserved := append([]string{}, reservedRoutes...)
		for _, r := range c.Routes {
			reserved = append(reserved, strings.TrimRight(r.Prefix, "/"))
		}
		for _, r := range reserved {
			if pathsOverlap(p, r) {
				return fmt.Errorf("metrics.path %q conflicts with route %q", p, r)
			}
		}
	}

	return nil
}

func (c *Config) validateRoutes() error {
	var seen []rewrite.HostPattern
	prefixes := make(map[string]bool)

	for i, r := range c.Routes {
		prefix := strings.TrimRight(r.Prefix, "/")
		if !strings.HasPrefix(r.Prefix, "/") || prefix == "" {
			return fmt.Errorf("route[%d].prefix must start with '/' and not be the root; got %q", i, r.Prefix)
		}
		if prefixes[prefix] {
			return fmt.Errorf("route[%d].prefix %q is used by another route", i, r.Prefix)
		}
		prefixes[prefix] = true
		for _, reserved := range reservedRoutes {
			if pathsOverlap(prefix, reserved) {
				return fmt.Errorf("route[%d].prefix %q conflicts with reserved route %q", i, r.Prefix, reserved)
			}
		}

		// Target: required and must be HTTPS.
		if r.Target == "" {
			return fmt.Errorf("route[%d].target is required", i)
		}
		u, err := url.Parse(r.Target)
		if err != nil {
			return fmt.Errorf("route[%d].target is not a valid URL: %w", i, err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("route[%d].target must use HTTPS; got %q", i, r.Target)
		}
		if u.Host == "" {
			return fmt.Errorf("route[%d].target has no host; got %q", i, r.Target)
		}

		if len(r.Hosts) == 0 {
			return fmt.Errorf("route[%d].hosts must list at least one upstream host", i)
		}
		targetCovered := false
		for _, h := range r.Hosts {
			p, err := rewrite.NewHostPattern(h, prefix)
			if err != nil {
				return fmt.Errorf("route[%d].hosts: %w", i, err)
			}
			for _, other := range seen {
				if p.Overlaps(other) {
					return fmt.Errorf("route[%d].hosts: %q overlaps %q", i, h, other.Host())
				}
			}
			seen = append(seen, p)
			if p.Match(u.Host) {
				targetCovered = true
			}
		}
		if !targetCovered {
			return fmt.Errorf("route[%d].target host %q is not listed in hosts", i, u.Host)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
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
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if len(c.Routes) == 0 {
		c.Routes = []RouteConfig{DefaultRoute()}
	}
	for i := range c.Routes {
		c.Routes[i].Prefix = strings.TrimRight(c.Routes[i].Prefix, "/")
	}
	if c.Client.LocalOrigin == "" {
		c.Client.LocalOrigin = c.Server.localOrigin()
	}
	c.Client.LocalOrigin = strings.TrimRight(c.Client.LocalOrigin, "/")
	if c.Client.ExplorerURL == "" {
		c.Client.ExplorerURL = "https://mempool.space"
	}
	if c.Client.TimeoutSeconds == 0 {
		c.Client.TimeoutSeconds = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.File != "" {
		if c.Log.MaxSizeMB == 0 {
			c.Log.MaxSizeMB = 100
		}
		if c.Log.MaxBackups == 0 {
			c.Log.MaxBackups = 5
		}
		if c.Log.MaxAgeDays == 0 {
			c.Log.MaxAgeDays = 28
		}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
}

// Rule builds the client rewrite rule from the configured routes, in order.
func (c *Config) Rule() (*rewrite.Rule, error) {
	var patterns []rewrite.HostPattern
	for _, r := range c.Routes {
		for _, h := range r.Hosts {
			p, err := rewrite.NewHostPattern(h, r.Prefix)
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", r.Prefix, err)
			}
			patterns = append(patterns, p)
		}
	}
	return rewrite.NewRule(patterns...), nil
}

// RoutePrefixes returns the configured route prefixes, in order.
func (c *Config) RoutePrefixes() []string {
	out := make([]string, 0, len(c.Routes))
	for _, r := range c.Routes {
		out = append(out, r.Prefix)
	}
	return out
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

// pathsOverlap reports whether one path is equal to or nested under the other.
func pathsOverlap(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// localOrigin returns an origin a local client can reach the server on.
func (c *ServerConfig) localOrigin() string {
	host := c.Host
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Port))
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
