package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// EndpointConfig holds configuration for a single database endpoint.
// For read endpoints, every entry in Hosts becomes its own connection
// pool so that reads can be load balanced across replicas.
type EndpointConfig struct {
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`
	MinConns        int         `toml:"min_conns"`
	MaxConnLifetime string      `toml:"max_conn_lifetime"`
	MaxConnIdleTime string      `toml:"max_conn_idle_time"`
	AcquireTimeout  string      `toml:"acquire_timeout"` // Max wait for a connection from a saturated pool
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *EndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return time.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *EndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return time.ParseDuration(e.MaxConnIdleTime)
}

// GetAcquireTimeout parses the connection acquire timeout.
func (e *EndpointConfig) GetAcquireTimeout() (time.Duration, error) {
	if e.AcquireTimeout == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(e.AcquireTimeout)
}

// HealthCheckConfig controls the background health probe loop.
type HealthCheckConfig struct {
	Enabled    bool   `toml:"enabled"`
	Interval   string `toml:"interval"`    // How often pools are probed (default: "30s")
	Timeout    string `toml:"timeout"`     // Per-probe timeout (default: "5s")
	ProbeQuery string `toml:"probe_query"` // Lightweight probe statement (default: "SELECT 1")
	Retries    int    `toml:"retries"`     // Probe attempts within one cycle before a pool is marked unhealthy
}

func (h *HealthCheckConfig) GetInterval() (time.Duration, error) {
	if h.Interval == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(h.Interval)
}

func (h *HealthCheckConfig) GetTimeout() (time.Duration, error) {
	if h.Timeout == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(h.Timeout)
}

func (h *HealthCheckConfig) GetProbeQuery() string {
	if h.ProbeQuery == "" {
		return "SELECT 1"
	}
	return h.ProbeQuery
}

// AutoScaleConfig controls the background pool scaling evaluator.
type AutoScaleConfig struct {
	Enabled            bool    `toml:"enabled"`
	MinConnections     int     `toml:"min_connections"`
	MaxConnections     int     `toml:"max_connections"`
	ScaleUpThreshold   float64 `toml:"scale_up_threshold"`   // Global utilization above which pools grow (default: 0.8)
	ScaleDownThreshold float64 `toml:"scale_down_threshold"` // Global utilization below which pools shrink (default: 0.3)
	ScaleUpCooldown    string  `toml:"scale_up_cooldown"`    // default: "60s"
	ScaleDownCooldown  string  `toml:"scale_down_cooldown"`  // default: "300s"
	Interval           string  `toml:"interval"`             // Evaluation interval (default: "30s")
}

func (a *AutoScaleConfig) GetScaleUpCooldown() (time.Duration, error) {
	if a.ScaleUpCooldown == "" {
		return time.Minute, nil
	}
	return time.ParseDuration(a.ScaleUpCooldown)
}

func (a *AutoScaleConfig) GetScaleDownCooldown() (time.Duration, error) {
	if a.ScaleDownCooldown == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(a.ScaleDownCooldown)
}

func (a *AutoScaleConfig) GetInterval() (time.Duration, error) {
	if a.Interval == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(a.Interval)
}

// MonitoringConfig controls query metrics collection.
type MonitoringConfig struct {
	SlowQueryThreshold string `toml:"slow_query_threshold"` // default: "1s"
	MetricsInterval    string `toml:"metrics_interval"`     // Pool stat export interval (default: "15s")
	MaxMetricsHistory  int    `toml:"max_metrics_history"`  // Bounded query history size (default: 10000)
}

func (m *MonitoringConfig) GetSlowQueryThreshold() (time.Duration, error) {
	if m.SlowQueryThreshold == "" {
		return time.Second, nil
	}
	return time.ParseDuration(m.SlowQueryThreshold)
}

func (m *MonitoringConfig) GetMetricsInterval() (time.Duration, error) {
	if m.MetricsInterval == "" {
		return 15 * time.Second, nil
	}
	return time.ParseDuration(m.MetricsInterval)
}

func (m *MonitoringConfig) GetMaxMetricsHistory() int {
	if m.MaxMetricsHistory <= 0 {
		return 10000
	}
	return m.MaxMetricsHistory
}

// RoutingConfig allows overriding the default query classification
// patterns. Patterns are case-insensitive regular expressions matched
// against the whitespace-normalized query text. An empty list keeps the
// built-in defaults for that class.
type RoutingConfig struct {
	WritePatterns     []string `toml:"write_patterns"`
	AnalyticsPatterns []string `toml:"analytics_patterns"`
}

// DatabaseConfig holds database configuration with separate write,
// read-replica and analytics endpoints.
type DatabaseConfig struct {
	Debug       bool              `toml:"debug"`     // Enable SQL query logging
	Write       *EndpointConfig   `toml:"write"`     // Primary (write) database configuration
	Read        *EndpointConfig   `toml:"read"`      // Read replicas; each host becomes its own pool
	Analytics   *EndpointConfig   `toml:"analytics"` // Analytics target; defaults to the first read replica
	HealthCheck HealthCheckConfig `toml:"health_check"`
	AutoScale   AutoScaleConfig   `toml:"auto_scale"`
	Monitoring  MonitoringConfig  `toml:"monitoring"`
	Routing     RoutingConfig     `toml:"routing"`
}

// HTTPConfig controls the status/metrics HTTP listener.
type HTTPConfig struct {
	Addr         string   `toml:"addr"`          // Listen address (default: ":9187")
	APIKey       string   `toml:"api_key"`       // Bearer token for /api/v1; empty disables auth
	AllowedHosts []string `toml:"allowed_hosts"` // Client IPs/CIDRs permitted to connect; empty allows all
}

// Config is the top-level configuration for the pool manager daemon.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	HTTP     HTTPConfig     `toml:"http"`
}

// NewDefaultConfig returns a config populated with application defaults.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			HealthCheck: HealthCheckConfig{
				Enabled: true,
				Retries: 1,
			},
			AutoScale: AutoScaleConfig{
				MinConnections:     5,
				MaxConnections:     100,
				ScaleUpThreshold:   0.8,
				ScaleDownThreshold: 0.3,
			},
		},
		HTTP: HTTPConfig{
			Addr: ":9187",
		},
	}
}

// Load reads a TOML configuration file into cfg, layering it over the
// defaults already present in cfg.
func Load(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	return cfg.Validate()
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	db := &c.Database
	if db.Write == nil || len(db.Write.Hosts) == 0 {
		return fmt.Errorf("database.write with at least one host is required")
	}
	if db.AutoScale.Enabled {
		if db.AutoScale.ScaleDownThreshold >= db.AutoScale.ScaleUpThreshold {
			return fmt.Errorf("auto_scale: scale_down_threshold (%.2f) must be below scale_up_threshold (%.2f)",
				db.AutoScale.ScaleDownThreshold, db.AutoScale.ScaleUpThreshold)
		}
		if db.AutoScale.MinConnections > db.AutoScale.MaxConnections {
			return fmt.Errorf("auto_scale: min_connections (%d) exceeds max_connections (%d)",
				db.AutoScale.MinConnections, db.AutoScale.MaxConnections)
		}
	}
	for _, ep := range []*EndpointConfig{db.Write, db.Read, db.Analytics} {
		if ep == nil {
			continue
		}
		if _, err := ep.GetMaxConnLifetime(); err != nil {
			return fmt.Errorf("invalid max_conn_lifetime: %w", err)
		}
		if _, err := ep.GetMaxConnIdleTime(); err != nil {
			return fmt.Errorf("invalid max_conn_idle_time: %w", err)
		}
		if _, err := ep.GetAcquireTimeout(); err != nil {
			return fmt.Errorf("invalid acquire_timeout: %w", err)
		}
	}
	return nil
}
