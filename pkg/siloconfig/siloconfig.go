// Package siloconfig loads the §6 configuration surface from YAML, with
// environment-variable overrides for the handful of fields that operators
// commonly need to set per-deployment without editing the file. Follows the
// same Load/Path shape as the inherited config package.
package siloconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AdaptiveMailbox is the §6 adaptive-capacity knob set.
type AdaptiveMailbox struct {
	Enabled            bool    `yaml:"enabled"`
	Min                int     `yaml:"min"`
	Max                int     `yaml:"max"`
	GrowThreshold      float64 `yaml:"grow_threshold"`
	ShrinkThreshold    float64 `yaml:"shrink_threshold"`
	SamplesBeforeAdapt int     `yaml:"samples_before_adapt"`
}

// CircuitBreaker is the §6 per-activation circuit breaker knob set.
type CircuitBreaker struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	SamplingWindow   time.Duration `yaml:"sampling_window"`
}

// RateLimit is the §6 per-activation rate limit knob set.
type RateLimit struct {
	Enabled      bool          `yaml:"enabled"`
	MaxPerWindow int           `yaml:"max_per_window"`
	Window       time.Duration `yaml:"window"`
	Overflow     string        `yaml:"overflow"` // "reject" | "drop" | "block"
}

// Supervision is the §4.8 restart-damping knob set.
type Supervision struct {
	MaxRestarts   int           `yaml:"max_restarts"`
	RestartWindow time.Duration `yaml:"restart_window"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// Redis configures the optional Redis-backed membership registry.
type Redis struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Prefix  string `yaml:"prefix"`
}

// SiloConfig holds the silo-wide runtime knobs, plus the ambient fields a
// deployable silo needs (identity, address, placement tier). The health
// monitor's eviction settings (policy, health-score threshold, consecutive
// unhealthy checks) are not part of it, and reentrancy is set per actor type
// on typeregistry.Entry rather than here.
type SiloConfig struct {
	SiloID       string `yaml:"silo_id"`
	Address      string `yaml:"address"`
	RegionID     string `yaml:"region_id,omitempty"`
	ZoneID       string `yaml:"zone_id,omitempty"`
	ShardGroupID string `yaml:"shard_group_id,omitempty"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	RingVirtualNodes int `yaml:"ring_virtual_nodes"`

	ActivationLockStripes int           `yaml:"activation_lock_stripes"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	IdleSweepInterval     time.Duration `yaml:"idle_sweep_interval"`

	DirectoryCacheTTL time.Duration `yaml:"directory_cache_ttl"`
	OverrideTTL       time.Duration `yaml:"override_ttl"` // 0 => 2x ActivationTimeout, per §9

	RouterRetries      int           `yaml:"router_retries"`
	RouterRetryBackoff time.Duration `yaml:"router_retry_backoff"`

	MailboxCapacity  int             `yaml:"mailbox_capacity"`
	AdaptiveMailbox  AdaptiveMailbox `yaml:"adaptive_mailbox"`
	CircuitBreaker   CircuitBreaker  `yaml:"circuit_breaker"`
	RateLimit        RateLimit       `yaml:"rate_limit"`
	Supervision      Supervision     `yaml:"supervision"`

	DeadLetterCapacity int `yaml:"dead_letter_capacity"`

	Redis Redis `yaml:"redis"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a SiloConfig with the defaults named across spec.md §6.
func Default() SiloConfig {
	return SiloConfig{
		HeartbeatInterval:     10 * time.Second,
		HeartbeatTimeout:      30 * time.Second,
		RingVirtualNodes:      150,
		ActivationLockStripes: 256,
		IdleTimeout:           2 * time.Minute,
		IdleSweepInterval:     30 * time.Second,
		DirectoryCacheTTL:     2 * time.Second,
		RouterRetries:         3,
		RouterRetryBackoff:    50 * time.Millisecond,
		MailboxCapacity:       1024,
		Supervision: Supervision{
			MaxRestarts:   5,
			RestartWindow: time.Minute,
			BaseDelay:     100 * time.Millisecond,
			MaxDelay:      10 * time.Second,
		},
		DeadLetterCapacity: 10_000,
		LogLevel:           "info",
	}
}

// Load reads path, merges it over Default(), and applies the environment
// variable overrides documented below. If path does not exist, the default
// configuration (with env overrides applied) is returned rather than an
// error, matching the inherited config loader's "missing file is not fatal"
// behavior.
//
// Environment overrides (take precedence over the file):
//   ORBIT_SILO_ID, ORBIT_ADDRESS, ORBIT_LOG_LEVEL, ORBIT_REDIS_ADDR,
//   ORBIT_HEARTBEAT_INTERVAL, ORBIT_MAILBOX_CAPACITY
func Load(path string) (SiloConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return SiloConfig{}, fmt.Errorf("siloconfig: error reading %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SiloConfig{}, fmt.Errorf("siloconfig: error parsing %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return SiloConfig{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *SiloConfig) {
	if v := os.Getenv("ORBIT_SILO_ID"); v != "" {
		cfg.SiloID = v
	}
	if v := os.Getenv("ORBIT_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("ORBIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORBIT_REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ORBIT_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("ORBIT_MAILBOX_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MailboxCapacity = n
		}
	}
}

// Validate checks the required fields and internal consistency §6 implies
// (e.g. HeartbeatTimeout should exceed HeartbeatInterval).
func (c SiloConfig) Validate() error {
	if c.SiloID == "" {
		return fmt.Errorf("siloconfig: silo_id is required")
	}
	if c.Address == "" {
		return fmt.Errorf("siloconfig: address is required")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("siloconfig: heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("siloconfig: redis.addr is required when redis.enabled is true")
	}
	return nil
}
