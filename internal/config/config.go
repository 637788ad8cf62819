// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/extract"
	"firestige.xyz/kpanic/internal/extract/builtin"
	"firestige.xyz/kpanic/internal/inbox"
	"firestige.xyz/kpanic/internal/log"
)

// Config represents the top-level configuration.
// Maps to the `kpanic:` root key in YAML.
type Config struct {
	Listen     ListenConfig     `mapstructure:"listen" yaml:"listen"`
	Inbox      InboxConfig      `mapstructure:"inbox" yaml:"inbox"`
	Reassembly ReassemblyConfig `mapstructure:"reassembly" yaml:"reassembly"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline" yaml:"pipeline"`
	Sink       SinkConfig       `mapstructure:"sink" yaml:"sink"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// ─── Transport ───

// ListenConfig selects the transport and the local address it binds.
type ListenConfig struct {
	Mode        string        `mapstructure:"mode" yaml:"mode"` // datagram | stream | pcap
	Host        string        `mapstructure:"host" yaml:"host"`
	Port        int           `mapstructure:"port" yaml:"port"`
	MaxConns    int           `mapstructure:"max_conns" yaml:"max_conns"`       // stream only
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"` // stream only, 0 = none
	Pcap        PcapConfig    `mapstructure:"pcap" yaml:"pcap"`
}

// PcapConfig configures offline replay of a capture file.
type PcapConfig struct {
	File     string `mapstructure:"file" yaml:"file"`
	Port     int    `mapstructure:"port" yaml:"port"` // 0 = every UDP payload
	Realtime bool   `mapstructure:"realtime" yaml:"realtime"`
}

// ─── Backpressure & Reassembly ───

// InboxConfig bounds the queue between the listener and the dispatcher.
type InboxConfig struct {
	Capacity   int    `mapstructure:"capacity" yaml:"capacity"`       // 0 = unbounded
	DropPolicy string `mapstructure:"drop_policy" yaml:"drop_policy"` // tail | head | block
}

// ReassemblyConfig bounds per-peer message accumulation.
type ReassemblyConfig struct {
	Quiescence      time.Duration `mapstructure:"quiescence" yaml:"quiescence"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes" yaml:"max_message_bytes"` // 0 = unlimited
	MaxAccumulation time.Duration `mapstructure:"max_accumulation" yaml:"max_accumulation"`   // 0 = unlimited
	MaxPeers        int           `mapstructure:"max_peers" yaml:"max_peers"`                 // 0 = unlimited
}

// ─── Extraction ───

// PipelineConfig configures completion workers and the extraction hooks.
type PipelineConfig struct {
	Workers        int           `mapstructure:"workers" yaml:"workers"`
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	Charset        string        `mapstructure:"charset" yaml:"charset"` // utf-8 | ascii | latin1
	ModuleTags     []string      `mapstructure:"module_tags" yaml:"module_tags"`
	DeliverTimeout time.Duration `mapstructure:"deliver_timeout" yaml:"deliver_timeout"`
	Hooks          HooksConfig   `mapstructure:"hooks" yaml:"hooks"`
}

// HooksConfig names built-in hooks to register, in order.
type HooksConfig struct {
	Check  string   `mapstructure:"check" yaml:"check"`
	Tags   []string `mapstructure:"tags" yaml:"tags"`
	Extras []string `mapstructure:"extras" yaml:"extras"`
}

// ─── Sink ───

// SinkConfig selects the report sink. Options are decoded by the sink itself.
type SinkConfig struct {
	Type        string         `mapstructure:"type" yaml:"type"` // console | kafka | sentry
	DedupWindow time.Duration  `mapstructure:"dedup_window" yaml:"dedup_window"`
	Options     map[string]any `mapstructure:"options" yaml:"options"`
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
	Level        string        `mapstructure:"level" yaml:"level"` // trace / debug / info / warn / error
	Pattern      string        `mapstructure:"pattern" yaml:"pattern"`
	Time         string        `mapstructure:"time" yaml:"time"`
	ReportCaller bool          `mapstructure:"report_caller" yaml:"report_caller"`
	File         FileLogConfig `mapstructure:"file" yaml:"file"`
}

// FileLogConfig configures the rotating file output.
type FileLogConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// LoggerConfig converts the settings for log.Init.
func (c LogConfig) LoggerConfig() *log.LoggerConfig {
	return &log.LoggerConfig{
		Level:        c.Level,
		Pattern:      c.Pattern,
		Time:         c.Time,
		ReportCaller: c.ReportCaller,
		File: log.FileAppenderOpt{
			Enabled:    c.File.Enabled,
			Filename:   c.File.Path,
			MaxSize:    c.File.MaxSizeMB,
			MaxBackups: c.File.MaxBackups,
			MaxAge:     c.File.MaxAgeDays,
			Compress:   c.File.Compress,
		},
	}
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `kpanic: ...`.
type configRoot struct {
	Kpanic Config `mapstructure:"kpanic"`
}

// Load loads configuration from file. An empty path loads defaults and
// environment overrides only.
// The YAML file uses `kpanic:` as root key; env vars use the KPANIC_ prefix
// (e.g., KPANIC_LISTEN_PORT).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `kpanic.` key prefix maps to `KPANIC_` in env vars via the key
	// replacer (e.g., key "kpanic.log.level" → env "KPANIC_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Kpanic

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "kpanic." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Listen defaults
	v.SetDefault("kpanic.listen.mode", string(core.ModeDatagram))
	v.SetDefault("kpanic.listen.host", "0.0.0.0")
	v.SetDefault("kpanic.listen.port", 514)
	v.SetDefault("kpanic.listen.max_conns", 5)
	v.SetDefault("kpanic.listen.read_timeout", "0s")
	v.SetDefault("kpanic.listen.pcap.file", "")
	v.SetDefault("kpanic.listen.pcap.port", 0)
	v.SetDefault("kpanic.listen.pcap.realtime", false)

	// Inbox defaults
	v.SetDefault("kpanic.inbox.capacity", 65536)
	v.SetDefault("kpanic.inbox.drop_policy", string(inbox.DropTail))

	// Reassembly defaults
	v.SetDefault("kpanic.reassembly.quiescence", "2s")
	v.SetDefault("kpanic.reassembly.max_message_bytes", 1<<20)
	v.SetDefault("kpanic.reassembly.max_accumulation", "60s")
	v.SetDefault("kpanic.reassembly.max_peers", 10000)

	// Pipeline defaults
	v.SetDefault("kpanic.pipeline.workers", 4)
	v.SetDefault("kpanic.pipeline.queue_size", 1024)
	v.SetDefault("kpanic.pipeline.charset", extract.CharsetUTF8)
	v.SetDefault("kpanic.pipeline.module_tags", extract.DefaultModuleTags)
	v.SetDefault("kpanic.pipeline.deliver_timeout", "30s")
	v.SetDefault("kpanic.pipeline.hooks.check", "")
	v.SetDefault("kpanic.pipeline.hooks.tags", []string{})
	v.SetDefault("kpanic.pipeline.hooks.extras", []string{})

	// Sink defaults
	v.SetDefault("kpanic.sink.type", "console")
	v.SetDefault("kpanic.sink.dedup_window", "0s")

	// Metrics defaults
	v.SetDefault("kpanic.metrics.enabled", true)
	v.SetDefault("kpanic.metrics.listen", ":9091")
	v.SetDefault("kpanic.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("kpanic.log.level", "info")
	v.SetDefault("kpanic.log.pattern", log.DefaultPattern)
	v.SetDefault("kpanic.log.time", log.DefaultTime)
	v.SetDefault("kpanic.log.report_caller", false)
	v.SetDefault("kpanic.log.file.enabled", false)
	v.SetDefault("kpanic.log.file.path", "/var/log/kpanic/kpanic.log")
	v.SetDefault("kpanic.log.file.max_size_mb", 100)
	v.SetDefault("kpanic.log.file.max_age_days", 30)
	v.SetDefault("kpanic.log.file.max_backups", 5)
	v.SetDefault("kpanic.log.file.compress", true)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
// Every failure wraps core.ErrConfigInvalid, except unknown transport modes
// which wrap core.ErrUnknownMode.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Listen validation ──
	cfg.Listen.Mode = strings.ToLower(strings.TrimSpace(cfg.Listen.Mode))
	mode, err := core.ParseMode(cfg.Listen.Mode)
	if err != nil {
		return fmt.Errorf("listen.mode %q: %w", cfg.Listen.Mode, err)
	}
	switch mode {
	case core.ModePcap:
		if cfg.Listen.Pcap.File == "" {
			return invalid("listen.pcap.file is required when listen.mode=pcap")
		}
		if cfg.Listen.Pcap.Port < 0 || cfg.Listen.Pcap.Port > 65535 {
			return invalid("listen.pcap.port %d out of range", cfg.Listen.Pcap.Port)
		}
	default:
		if cfg.Listen.Port < 0 || cfg.Listen.Port > 65535 {
			return invalid("listen.port %d out of range", cfg.Listen.Port)
		}
	}
	if cfg.Listen.MaxConns <= 0 {
		cfg.Listen.MaxConns = 5
	}
	if cfg.Listen.ReadTimeout < 0 {
		return invalid("listen.read_timeout must not be negative")
	}

	// ── Inbox validation ──
	if cfg.Inbox.Capacity < 0 {
		return invalid("inbox.capacity must not be negative")
	}
	if _, err := inbox.ParseDropPolicy(cfg.Inbox.DropPolicy); err != nil {
		return fmt.Errorf("inbox.drop_policy: %w", err)
	}

	// ── Reassembly validation ──
	if cfg.Reassembly.Quiescence <= 0 {
		return invalid("reassembly.quiescence must be positive")
	}
	if cfg.Reassembly.MaxMessageBytes < 0 || cfg.Reassembly.MaxPeers < 0 || cfg.Reassembly.MaxAccumulation < 0 {
		return invalid("reassembly limits must not be negative")
	}
	if cfg.Reassembly.MaxAccumulation > 0 && cfg.Reassembly.MaxAccumulation < cfg.Reassembly.Quiescence {
		return invalid("reassembly.max_accumulation (%s) is shorter than reassembly.quiescence (%s)",
			cfg.Reassembly.MaxAccumulation, cfg.Reassembly.Quiescence)
	}

	// ── Pipeline validation ──
	if cfg.Pipeline.Workers <= 0 {
		return invalid("pipeline.workers must be positive")
	}
	if cfg.Pipeline.QueueSize < 0 {
		return invalid("pipeline.queue_size must not be negative")
	}
	if _, err := extract.NewDecoder(cfg.Pipeline.Charset); err != nil {
		return fmt.Errorf("pipeline.charset: %w", err)
	}
	if cfg.Pipeline.DeliverTimeout <= 0 {
		cfg.Pipeline.DeliverTimeout = 30 * time.Second
	}
	if err := validateHooks(cfg.Pipeline.Hooks); err != nil {
		return err
	}

	// ── Sink validation ──
	cfg.Sink.Type = strings.ToLower(strings.TrimSpace(cfg.Sink.Type))
	if cfg.Sink.Type == "" {
		return invalid("sink.type is required")
	}
	if cfg.Sink.DedupWindow < 0 {
		return invalid("sink.dedup_window must not be negative")
	}

	// ── Metrics validation ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return invalid("log.file.path is required when log.file.enabled=true")
	}

	return nil
}

func validateHooks(h HooksConfig) error {
	known := make(map[string]builtin.Kind)
	for _, e := range builtin.List() {
		known[e.Name] = e.Kind
	}
	check := func(kind builtin.Kind, names ...string) error {
		for _, n := range names {
			if got, ok := known[n]; !ok || got != kind {
				return invalid("pipeline.hooks: %q is not a built-in %s hook", n, kind)
			}
		}
		return nil
	}
	if h.Check != "" {
		if err := check(builtin.KindCheck, h.Check); err != nil {
			return err
		}
	}
	if err := check(builtin.KindTag, h.Tags...); err != nil {
		return err
	}
	return check(builtin.KindExtra, h.Extras...)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{core.ErrConfigInvalid}, args...)...)
}
