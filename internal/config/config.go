// Package config loads and validates gateway configuration via Viper.
//
// Precedence, highest first: explicitly set command-line flags, DATGW_*
// environment variables, the config file, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DATGW_CACHE_MAX_ENTRIES.
const EnvPrefix = "DATGW"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the public gateway listener.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AdminConfig controls the operator API listener.
type AdminConfig struct {
	Enabled bool       `mapstructure:"enabled"`
	Host    string     `mapstructure:"host"`
	Port    int        `mapstructure:"port"`
	Auth    AuthConfig `mapstructure:"auth"`
}

// Addr returns the listen address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// AuthConfig defines admin API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CacheConfig governs archive storage and the handle cache.
type CacheConfig struct {
	Dir          string        `mapstructure:"dir"`
	Persist      bool          `mapstructure:"persist"`
	MaxEntries   int           `mapstructure:"max_entries"`
	TTL          time.Duration `mapstructure:"ttl"`
	ReapPeriod   time.Duration `mapstructure:"reap_period"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	OpenRPS      float64       `mapstructure:"open_rps"`
	OpenBurst    int           `mapstructure:"open_burst"`
	// Warm reopens archives already on disk at startup. Only meaningful
	// with Persist.
	Warm bool `mapstructure:"warm"`
}

// RoutingConfig controls hostname handling.
type RoutingConfig struct {
	Redirect  bool     `mapstructure:"redirect"`
	Loopback  string   `mapstructure:"loopback"`
	BaseHosts []string `mapstructure:"base_hosts"`
}

// ResolverConfig controls name lookups.
type ResolverConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheSize  int64         `mapstructure:"cache_size"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	Scheme     string        `mapstructure:"scheme"`
}

// EventsConfig controls the cache lifecycle event hub.
type EventsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	StdoutTraces bool   `mapstructure:"stdout_traces"`
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"host":       "server.host",
	"port":       "server.port",
	"admin-port": "admin.port",
	"dir":        "cache.dir",
	"persist":    "cache.persist",
	"max":        "cache.max_entries",
	"ttl":        "cache.ttl",
	"period":     "cache.reap_period",
	"redirect":   "routing.redirect",
	"loopback":   "routing.loopback",
	"dev":        "logging.development",
}

// RegisterFlags adds the gateway's flags to fs. Their defaults match the
// config defaults; only flags the user sets override other sources.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("host", "", "interface for the gateway to listen on")
	fs.IntP("port", "p", 3000, "port for the gateway to listen on")
	fs.Int("admin-port", 9090, "port for the admin API")
	fs.StringP("dir", "d", "~/.dat-gateway", "directory to use as a cache")
	fs.BoolP("persist", "P", false, "persist archives to disk rather than temporary storage")
	fs.IntP("max", "m", 20, "maximum number of archives allowed in the cache")
	fs.DurationP("ttl", "t", 10*time.Minute, "idle time before an archive expires")
	fs.Duration("period", 10*time.Second, "time between cache sweeps for expired archives")
	fs.Bool("redirect", false, "redirect path-addressed requests to subdomains")
	fs.String("loopback", "dat.localhost", "hostname loopback requests are redirected to")
	fs.Bool("dev", false, "human-friendly development logging")
}

// Load builds a Config from defaults, an optional file, the environment, and
// any flags in flags that were set. Both path and flags may be empty.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	dir, err := expandHome(cfg.Cache.Dir)
	if err != nil {
		return Config{}, err
	}
	cfg.Cache.Dir = dir

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.host", "")
	v.SetDefault("admin.port", 9090)
	v.SetDefault("admin.auth.enabled", false)
	v.SetDefault("admin.auth.api_key", "")
	v.SetDefault("cache.dir", "~/.dat-gateway")
	v.SetDefault("cache.persist", false)
	v.SetDefault("cache.max_entries", 20)
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("cache.reap_period", 10*time.Second)
	v.SetDefault("cache.ready_timeout", 3*time.Second)
	v.SetDefault("cache.open_rps", 0)
	v.SetDefault("cache.open_burst", 1)
	v.SetDefault("cache.warm", false)
	v.SetDefault("routing.redirect", false)
	v.SetDefault("routing.loopback", "dat.localhost")
	v.SetDefault("routing.base_hosts", []string{})
	v.SetDefault("resolver.timeout", 5*time.Second)
	v.SetDefault("resolver.cache_size", 1024)
	v.SetDefault("resolver.default_ttl", time.Hour)
	v.SetDefault("resolver.scheme", "https")
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("events.log_enabled", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("telemetry.service_name", "dat-gateway")
	v.SetDefault("telemetry.stdout_traces", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Admin.Enabled {
		if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
			return fmt.Errorf("admin.port must be in 1..65535, got %d", c.Admin.Port)
		}
		if c.Admin.Port == c.Server.Port {
			return fmt.Errorf("admin.port must differ from server.port (%d)", c.Server.Port)
		}
		if c.Admin.Auth.Enabled && c.Admin.Auth.APIKey == "" {
			return errors.New("admin.auth.api_key must be set when auth is enabled")
		}
	}
	if c.Cache.Dir == "" {
		return errors.New("cache.dir must be set")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be > 0, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.TTL < 0 || c.Cache.ReapPeriod < 0 {
		return errors.New("cache.ttl and cache.reap_period must be >= 0")
	}
	if c.Cache.ReadyTimeout < 0 {
		return errors.New("cache.ready_timeout must be >= 0")
	}
	if c.Cache.OpenRPS < 0 {
		return errors.New("cache.open_rps must be >= 0")
	}
	if c.Cache.OpenRPS > 0 && c.Cache.OpenBurst <= 0 {
		return errors.New("cache.open_burst must be > 0 when open_rps is set")
	}
	if err := validateHostname(c.Routing.Loopback); err != nil {
		return fmt.Errorf("routing.loopback: %w", err)
	}
	for _, h := range c.Routing.BaseHosts {
		if err := validateHostname(h); err != nil {
			return fmt.Errorf("routing.base_hosts: %w", err)
		}
	}
	if s := c.Resolver.Scheme; s != "http" && s != "https" {
		return fmt.Errorf("resolver.scheme must be http or https, got %q", s)
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return errors.New("events.buffer_size must be > 0 when events are enabled")
	}
	return nil
}

func validateHostname(h string) error {
	if h == "" {
		return errors.New("hostname is empty")
	}
	if strings.ContainsAny(h, ":/ ") {
		return fmt.Errorf("%q must be a bare hostname", h)
	}
	for _, label := range strings.Split(strings.Trim(h, "."), ".") {
		if label == "" {
			return fmt.Errorf("%q has an empty label", h)
		}
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
