package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Failover policies for a pool group. The manager never promotes a replica
// to primary; these only decide what keeps being served when the primary is
// lost.
const (
	FailoverFailClosed        = "fail-closed"
	FailoverReadOnlyOnPrimary = "read-only-on-primary-loss"
)

// Config is the full poolgate configuration.
type Config struct {
	Server ServerConfig  `yaml:"server"`
	Groups []GroupConfig `yaml:"groups"`
}

// ServerConfig sizes the ops HTTP listener.
type ServerConfig struct {
	Port              int    `yaml:"port"`
	LogLevel          string `yaml:"log_level"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	Burst             int    `yaml:"burst"`
}

// Endpoint describes one database endpoint. Immutable once a pool is built
// from it.
type Endpoint struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	// PasswordEnv names the environment variable holding the password, so
	// credentials never live in the config file.
	PasswordEnv string `yaml:"password_env"`
	SSLMode     string `yaml:"ssl_mode"`

	PoolSize            int           `yaml:"pool_size"`
	MaxOverflow         int           `yaml:"max_overflow"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	IdleRecycleInterval time.Duration `yaml:"idle_recycle_interval"`
}

// ReplicaConfig is an endpoint plus read-routing parameters.
type ReplicaConfig struct {
	Name     string        `yaml:"name"`
	Endpoint Endpoint      `yaml:"endpoint"`
	Weight   int           `yaml:"weight"`
	MaxLag   time.Duration `yaml:"max_lag"`
}

// GroupConfig binds one primary and its replicas under a logical name.
type GroupConfig struct {
	Name     string          `yaml:"name"`
	Primary  Endpoint        `yaml:"primary"`
	Replicas []ReplicaConfig `yaml:"replicas"`

	FailoverPolicy                      string `yaml:"failover_policy"`
	AllowReadFromPrimaryOnReplicaOutage bool   `yaml:"allow_read_from_primary_on_replica_outage"`

	HealthCheckInterval         time.Duration `yaml:"health_check_interval"`
	ProbeTimeout                time.Duration `yaml:"probe_timeout"`
	ConsecutiveFailureThreshold int           `yaml:"consecutive_failure_threshold"`
}

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 9440
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.RequestsPerSecond == 0 {
		c.Server.RequestsPerSecond = 100
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 200
	}
	for i := range c.Groups {
		g := &c.Groups[i]
		if g.FailoverPolicy == "" {
			g.FailoverPolicy = FailoverFailClosed
		}
		if g.HealthCheckInterval == 0 {
			g.HealthCheckInterval = 10 * time.Second
		}
		if g.ProbeTimeout == 0 {
			g.ProbeTimeout = 3 * time.Second
		}
		if g.ConsecutiveFailureThreshold == 0 {
			g.ConsecutiveFailureThreshold = 3
		}
		g.Primary.applyDefaults()
		for j := range g.Replicas {
			r := &g.Replicas[j]
			r.Endpoint.applyDefaults()
			if r.Weight == 0 {
				r.Weight = 1
			}
			if r.MaxLag == 0 {
				r.MaxLag = 5 * time.Second
			}
			if r.Name == "" {
				r.Name = fmt.Sprintf("%s-replica-%d", g.Name, j)
			}
		}
	}
}

func (e *Endpoint) applyDefaults() {
	if e.Port == 0 {
		e.Port = 5432
	}
	if e.SSLMode == "" {
		e.SSLMode = "disable"
	}
	if e.PoolSize == 0 {
		e.PoolSize = 5
	}
	if e.MaxOverflow == 0 {
		e.MaxOverflow = 10
	}
	if e.AcquireTimeout == 0 {
		e.AcquireTimeout = 30 * time.Second
	}
	if e.IdleRecycleInterval == 0 {
		e.IdleRecycleInterval = 5 * time.Minute
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i := range c.Groups {
		g := &c.Groups[i]
		if g.Name == "" {
			return fmt.Errorf("config: group %d: name is required", i)
		}
		if seen[g.Name] {
			return fmt.Errorf("config: duplicate group name %q", g.Name)
		}
		seen[g.Name] = true

		if err := g.Primary.validate(); err != nil {
			return fmt.Errorf("config: group %s primary: %w", g.Name, err)
		}
		switch g.FailoverPolicy {
		case FailoverFailClosed, FailoverReadOnlyOnPrimary:
		default:
			return fmt.Errorf("config: group %s: invalid failover_policy %q", g.Name, g.FailoverPolicy)
		}

		names := make(map[string]bool)
		for _, r := range g.Replicas {
			if names[r.Name] {
				return fmt.Errorf("config: group %s: duplicate replica %q", g.Name, r.Name)
			}
			names[r.Name] = true
			if r.Weight < 1 {
				return fmt.Errorf("config: group %s replica %s: weight must be positive", g.Name, r.Name)
			}
			if err := r.Endpoint.validate(); err != nil {
				return fmt.Errorf("config: group %s replica %s: %w", g.Name, r.Name, err)
			}
		}
	}
	return nil
}

func (e *Endpoint) validate() error {
	if e.Host == "" {
		return fmt.Errorf("host is required")
	}
	if e.Database == "" {
		return fmt.Errorf("database is required")
	}
	if e.MaxOverflow < 0 {
		return fmt.Errorf("max_overflow must not be negative")
	}
	return nil
}

// Password resolves the endpoint credentials reference.
func (e *Endpoint) Password() string {
	if e.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(e.PasswordEnv)
}
