package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/vovakirdan/socialmap-server/internal/core"
)

// Memory profiles select default memory thresholds for the health reporter.
const (
	MemoryProfileStandard    = "standard"
	MemoryProfileConstrained = "constrained"
)

// Join policies for a connection that joins a second activity.
const (
	JoinPolicyMove   = "move"
	JoinPolicyReject = "reject"
)

const mib = 1 << 20

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`

	Capacity    CapacityConfig    `mapstructure:"capacity" yaml:"capacity"`
	Memory      MemoryConfig      `mapstructure:"memory" yaml:"memory"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`

	LobbyTimeout  time.Duration `mapstructure:"lobby_timeout" yaml:"lobby_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	JoinPolicy    string        `mapstructure:"join_policy" yaml:"join_policy"`
	MessageRate   float64       `mapstructure:"message_rate" yaml:"message_rate"`
	MessageBurst  int           `mapstructure:"message_burst" yaml:"message_burst"`
	HistoryLimit  int           `mapstructure:"history_limit" yaml:"history_limit"`
}

// CapacityConfig holds the connection admission thresholds.
type CapacityConfig struct {
	SoftLimit int `mapstructure:"soft_limit" yaml:"soft_limit"`
	HardLimit int `mapstructure:"hard_limit" yaml:"hard_limit"`
}

// MemoryConfig holds memory thresholds used to decide process health.
// Zero byte limits fall back to the defaults of the selected profile.
type MemoryConfig struct {
	Profile      string `mapstructure:"profile" yaml:"profile"`
	MaxRSSBytes  uint64 `mapstructure:"max_rss_bytes" yaml:"max_rss_bytes"`
	MaxHeapBytes uint64 `mapstructure:"max_heap_bytes" yaml:"max_heap_bytes"`
}

// PersistenceConfig tunes calls into the activity store.
type PersistenceConfig struct {
	Timeout              time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts          int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	BreakerFailures      uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout       time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`
	AutoCreateActivities bool          `mapstructure:"auto_create_activities" yaml:"auto_create_activities"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		DatabasePath:      "socialmap.db",
		MaxMessageBytes:   64 << 10,
		Capacity: CapacityConfig{
			SoftLimit: 20,
			HardLimit: 25,
		},
		Memory: MemoryConfig{
			Profile: MemoryProfileStandard,
		},
		Persistence: PersistenceConfig{
			Timeout:              3 * time.Second,
			MaxAttempts:          3,
			RetryBackoff:         100 * time.Millisecond,
			BreakerFailures:      5,
			BreakerTimeout:       15 * time.Second,
			AutoCreateActivities: true,
		},
		LobbyTimeout:  30 * time.Second,
		SweepInterval: 5 * time.Second,
		JoinPolicy:    JoinPolicyMove,
		MessageRate:   20,
		MessageBurst:  40,
		HistoryLimit:  50,
	}
}

// Limits returns the memory thresholds, filling zero values from the profile defaults.
// The constrained profile targets small containers (around 256MB of RAM).
func (m MemoryConfig) Limits() (rss, heap uint64) {
	defRSS, defHeap := uint64(1024*mib), uint64(768*mib)
	if m.Profile == MemoryProfileConstrained {
		defRSS, defHeap = 200*mib, 150*mib
	}
	rss, heap = m.MaxRSSBytes, m.MaxHeapBytes
	if rss == 0 {
		rss = defRSS
	}
	if heap == 0 {
		heap = defHeap
	}
	return rss, heap
}

// Thresholds returns the admission limits from the capacity section.
func (c *Config) Thresholds() core.Thresholds {
	return core.Thresholds{Soft: c.Capacity.SoftLimit, Hard: c.Capacity.HardLimit}
}

// Validate reports configuration values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Thresholds().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("capacity: %w", err))
	}
	switch c.Memory.Profile {
	case MemoryProfileStandard, MemoryProfileConstrained:
	default:
		errs = append(errs, fmt.Errorf("unknown memory.profile %q", c.Memory.Profile))
	}
	switch c.JoinPolicy {
	case JoinPolicyMove, JoinPolicyReject:
	default:
		errs = append(errs, fmt.Errorf("unknown join_policy %q", c.JoinPolicy))
	}
	if c.LobbyTimeout <= 0 {
		errs = append(errs, errors.New("lobby_timeout must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.Persistence.MaxAttempts < 1 {
		errs = append(errs, errors.New("persistence.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// It is used to apply command-line overrides on top of a loaded config.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.Capacity.SoftLimit != 0 {
		c.Capacity.SoftLimit = other.Capacity.SoftLimit
	}
	if other.Capacity.HardLimit != 0 {
		c.Capacity.HardLimit = other.Capacity.HardLimit
	}
	if other.Memory.Profile != "" {
		c.Memory.Profile = other.Memory.Profile
	}
	if other.LobbyTimeout != 0 {
		c.LobbyTimeout = other.LobbyTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
}
