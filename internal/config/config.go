// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/core/auth"
	"firestige.xyz/zephyr/internal/core/des"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `zephyr:` root key in YAML.
type GlobalConfig struct {
	Listen    ListenConfig    `mapstructure:"listen" yaml:"listen"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ─── Transport ───

// ListenConfig configures the datagram socket.
type ListenConfig struct {
	Address        string          `mapstructure:"address" yaml:"address"`
	MulticastGroup string          `mapstructure:"multicast_group" yaml:"multicast_group"` // Empty = unicast only
	Interface      string          `mapstructure:"interface" yaml:"interface"`             // Multicast interface, empty = system default
	Buffer         int             `mapstructure:"buffer" yaml:"buffer"`                   // Datagrams buffered between reads and drains
	RateLimit      RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig caps fragments accepted per sender address.
type RateLimitConfig struct {
	MaxPerSender int    `mapstructure:"max_per_sender" yaml:"max_per_sender"` // 0 = disabled
	Window       string `mapstructure:"window" yaml:"window"`
}

// ─── Authentication ───

// AuthConfig selects the session key. Key wins over Passphrase.
type AuthConfig struct {
	Key        string `mapstructure:"key" yaml:"key"` // 16 hex digits
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase"`
	Salt       string `mapstructure:"salt" yaml:"salt"`
	Require    bool   `mapstructure:"require" yaml:"require"` // Reject unsealed notices
}

// ─── Input Queue ───

// QueueConfig configures reassembly and garbage collection.
type QueueConfig struct {
	IncompleteTimeout string                `mapstructure:"incomplete_timeout" yaml:"incomplete_timeout"`
	GCInterval        string                `mapstructure:"gc_interval" yaml:"gc_interval"`
	MaxRecords        int                   `mapstructure:"max_records" yaml:"max_records"` // 0 = unbounded
	MaxFragments      int                   `mapstructure:"max_fragments" yaml:"max_fragments"`
	DeliveredFilter   DeliveredFilterConfig `mapstructure:"delivered_filter" yaml:"delivered_filter"`
}

// DeliveredFilterConfig sizes the bloom ring that suppresses retransmissions.
type DeliveredFilterConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	Slots             int     `mapstructure:"slots" yaml:"slots"`
	Capacity          int     `mapstructure:"capacity" yaml:"capacity"`
	FalsePositiveRate float64 `mapstructure:"false_positive_rate" yaml:"false_positive_rate"`
}

// ─── Retrieval ───

// RetrievalConfig configures notice retrieval.
type RetrievalConfig struct {
	MaxNoticeSize int    `mapstructure:"max_notice_size" yaml:"max_notice_size"` // Bytes, 0 = unbounded
	PollInterval  string `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"` // trace / debug / info / warn / error
	Pattern string           `mapstructure:"pattern" yaml:"pattern"`
	Time    string           `mapstructure:"time" yaml:"time"`
	File    FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `zephyr: ...`.
type configRoot struct {
	Zephyr GlobalConfig `mapstructure:"zephyr" yaml:"zephyr"`
}

// Load loads configuration from file. An empty path loads defaults and
// environment only.
// Env vars map through the key replacer, e.g. "zephyr.log.level" → ZEPHYR_LOG_LEVEL.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Zephyr

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// Every key is registered so AutomaticEnv can override it even when the
// file omits the section.
func setDefaults(v *viper.Viper) {
	// Listen defaults
	v.SetDefault("zephyr.listen.address", ":2103")
	v.SetDefault("zephyr.listen.multicast_group", "")
	v.SetDefault("zephyr.listen.interface", "")
	v.SetDefault("zephyr.listen.buffer", 1024)
	v.SetDefault("zephyr.listen.rate_limit.max_per_sender", 0)
	v.SetDefault("zephyr.listen.rate_limit.window", "10s")

	// Auth defaults
	v.SetDefault("zephyr.auth.key", "")
	v.SetDefault("zephyr.auth.passphrase", "")
	v.SetDefault("zephyr.auth.salt", "zephyr")
	v.SetDefault("zephyr.auth.require", false)

	// Queue defaults
	v.SetDefault("zephyr.queue.incomplete_timeout", "30s")
	v.SetDefault("zephyr.queue.gc_interval", "5s")
	v.SetDefault("zephyr.queue.max_records", 4096)
	v.SetDefault("zephyr.queue.max_fragments", 256)
	v.SetDefault("zephyr.queue.delivered_filter.enabled", true)
	v.SetDefault("zephyr.queue.delivered_filter.slots", 4)
	v.SetDefault("zephyr.queue.delivered_filter.capacity", 65536)
	v.SetDefault("zephyr.queue.delivered_filter.false_positive_rate", 1e-6)

	// Retrieval defaults
	v.SetDefault("zephyr.retrieval.max_notice_size", 1<<20)
	v.SetDefault("zephyr.retrieval.poll_interval", "50ms")

	// Metrics defaults
	v.SetDefault("zephyr.metrics.enabled", false)
	v.SetDefault("zephyr.metrics.listen", ":9103")
	v.SetDefault("zephyr.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("zephyr.log.level", "info")
	v.SetDefault("zephyr.log.pattern", "%time [%level] %field: %msg\n")
	v.SetDefault("zephyr.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("zephyr.log.file.enabled", false)
	v.SetDefault("zephyr.log.file.path", "/var/log/zephyr/zephyr.log")
	v.SetDefault("zephyr.log.file.rotation.max_size_mb", 100)
	v.SetDefault("zephyr.log.file.rotation.max_age_days", 30)
	v.SetDefault("zephyr.log.file.rotation.max_backups", 5)
	v.SetDefault("zephyr.log.file.rotation.compress", true)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
// Every failure wraps core.ErrConfigInvalid.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if !validLevels[cfg.Log.Level] {
		return invalid("log.level %q (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return invalid("log.file.path is required when log.file.enabled=true")
	}

	// ── Listen ──
	if cfg.Listen.Address == "" {
		return invalid("listen.address is required")
	}
	if cfg.Listen.MulticastGroup != "" {
		group, err := netip.ParseAddr(cfg.Listen.MulticastGroup)
		if err != nil || !group.Is4() || !group.IsMulticast() {
			return invalid("listen.multicast_group %q is not an IPv4 multicast address", cfg.Listen.MulticastGroup)
		}
	}
	if cfg.Listen.Buffer <= 0 {
		cfg.Listen.Buffer = 1024
	}
	if cfg.Listen.RateLimit.MaxPerSender < 0 {
		return invalid("listen.rate_limit.max_per_sender must not be negative")
	}

	// ── Auth ──
	if cfg.Auth.Key != "" {
		if _, err := des.ParseKey(cfg.Auth.Key); err != nil {
			return invalid("auth.key: %v", err)
		}
	}
	if cfg.Auth.Require && cfg.Auth.Key == "" && cfg.Auth.Passphrase == "" {
		return invalid("auth.require=true needs auth.key or auth.passphrase")
	}

	// ── Queue ──
	for name, d := range map[string]string{
		"queue.incomplete_timeout": cfg.Queue.IncompleteTimeout,
		"queue.gc_interval":        cfg.Queue.GCInterval,
		"retrieval.poll_interval":  cfg.Retrieval.PollInterval,
		"listen.rate_limit.window": cfg.Listen.RateLimit.Window,
	} {
		if err := positiveDuration(name, d); err != nil {
			return err
		}
	}
	if cfg.Queue.MaxRecords < 0 {
		return invalid("queue.max_records must not be negative")
	}
	if cfg.Queue.MaxFragments <= 0 || cfg.Queue.MaxFragments > 65535 {
		return invalid("queue.max_fragments %d out of range 1..65535", cfg.Queue.MaxFragments)
	}
	if f := cfg.Queue.DeliveredFilter; f.Enabled {
		if f.Slots <= 0 || f.Capacity <= 0 {
			return invalid("queue.delivered_filter slots and capacity must be positive")
		}
		if f.FalsePositiveRate <= 0 || f.FalsePositiveRate >= 1 {
			return invalid("queue.delivered_filter.false_positive_rate %v out of range (0,1)", f.FalsePositiveRate)
		}
	}

	// ── Retrieval ──
	if cfg.Retrieval.MaxNoticeSize < 0 {
		return invalid("retrieval.max_notice_size must not be negative")
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return nil
}

// IncompleteTimeoutDuration returns queue.incomplete_timeout. The value was checked
// by ValidateAndApplyDefaults.
func (q QueueConfig) IncompleteTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(q.IncompleteTimeout)
	return d
}

func (q QueueConfig) GCIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(q.GCInterval)
	return d
}

func (r RateLimitConfig) WindowDuration() time.Duration {
	d, _ := time.ParseDuration(r.Window)
	return d
}

func (r RetrievalConfig) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(r.PollInterval)
	return d
}

// SessionKey resolves the configured key. ok is false when no key is set.
func (a AuthConfig) SessionKey() (key des.Key, ok bool, err error) {
	switch {
	case a.Key != "":
		key, err = des.ParseKey(a.Key)
		return key, err == nil, err
	case a.Passphrase != "":
		return auth.DeriveKey(a.Passphrase, a.Salt), true, nil
	default:
		return key, false, nil
	}
}

// Dump renders cfg as YAML under the `zephyr:` root key with secrets masked.
func (cfg GlobalConfig) Dump() ([]byte, error) {
	if cfg.Auth.Key != "" {
		cfg.Auth.Key = "********"
	}
	if cfg.Auth.Passphrase != "" {
		cfg.Auth.Passphrase = "********"
	}
	return yaml.Marshal(configRoot{Zephyr: cfg})
}

func positiveDuration(name, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return invalid("%s: %v", name, err)
	}
	if d <= 0 {
		return invalid("%s must be positive", name)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}
