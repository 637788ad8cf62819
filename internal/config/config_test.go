package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/kpanic/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kpanic.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
kpanic:
  listen:
    mode: stream
    host: 127.0.0.1
    port: 6666
    max_conns: 16
  inbox:
    capacity: 128
    drop_policy: head
  reassembly:
    quiescence: 500ms
    max_peers: 3
  pipeline:
    workers: 2
    charset: latin1
    hooks:
      check: require_marker
      tags: [kernel_version, instruction_pointer]
      extras: [received_at]
  sink:
    type: kafka
    dedup_window: 5m
    options:
      brokers: ["k1:9092"]
      topic: panics
  log:
    level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "stream", cfg.Listen.Mode)
	assert.Equal(t, "127.0.0.1", cfg.Listen.Host)
	assert.Equal(t, 6666, cfg.Listen.Port)
	assert.Equal(t, 16, cfg.Listen.MaxConns)
	assert.Equal(t, 128, cfg.Inbox.Capacity)
	assert.Equal(t, "head", cfg.Inbox.DropPolicy)
	assert.Equal(t, 500*time.Millisecond, cfg.Reassembly.Quiescence)
	assert.Equal(t, 3, cfg.Reassembly.MaxPeers)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, "latin1", cfg.Pipeline.Charset)
	assert.Equal(t, "require_marker", cfg.Pipeline.Hooks.Check)
	assert.Equal(t, []string{"kernel_version", "instruction_pointer"}, cfg.Pipeline.Hooks.Tags)
	assert.Equal(t, []string{"received_at"}, cfg.Pipeline.Hooks.Extras)
	assert.Equal(t, "kafka", cfg.Sink.Type)
	assert.Equal(t, 5*time.Minute, cfg.Sink.DedupWindow)
	assert.Equal(t, "panics", cfg.Sink.Options["topic"])
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "kpanic: {}\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "datagram", cfg.Listen.Mode)
	assert.Equal(t, "0.0.0.0", cfg.Listen.Host)
	assert.Equal(t, 514, cfg.Listen.Port)
	assert.Equal(t, 5, cfg.Listen.MaxConns)
	assert.Equal(t, 65536, cfg.Inbox.Capacity)
	assert.Equal(t, "tail", cfg.Inbox.DropPolicy)
	assert.Equal(t, 2*time.Second, cfg.Reassembly.Quiescence)
	assert.Equal(t, 1<<20, cfg.Reassembly.MaxMessageBytes)
	assert.Equal(t, 60*time.Second, cfg.Reassembly.MaxAccumulation)
	assert.Equal(t, 10000, cfg.Reassembly.MaxPeers)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, "utf-8", cfg.Pipeline.Charset)
	assert.Equal(t, []string{"kmodlve"}, cfg.Pipeline.ModuleTags)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.DeliverTimeout)
	assert.Equal(t, "console", cfg.Sink.Type)
	assert.Zero(t, cfg.Sink.DedupWindow)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9091", cfg.Metrics.Listen)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.File.Enabled)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "datagram", cfg.Listen.Mode)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KPANIC_LISTEN_PORT", "6514")
	t.Setenv("KPANIC_LOG_LEVEL", "warn")
	t.Setenv("KPANIC_REASSEMBLY_QUIESCENCE", "3s")

	cfg, err := Load(writeConfig(t, "kpanic:\n  listen:\n    port: 1514\n"))
	require.NoError(t, err)
	assert.Equal(t, 6514, cfg.Listen.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3*time.Second, cfg.Reassembly.Quiescence)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"unknown mode", "kpanic:\n  listen:\n    mode: carrier-pigeon\n", core.ErrUnknownMode},
		{"pcap without file", "kpanic:\n  listen:\n    mode: pcap\n", core.ErrConfigInvalid},
		{"port out of range", "kpanic:\n  listen:\n    port: 70000\n", core.ErrConfigInvalid},
		{"bad drop policy", "kpanic:\n  inbox:\n    drop_policy: random\n", core.ErrConfigInvalid},
		{"zero quiescence", "kpanic:\n  reassembly:\n    quiescence: 0s\n", core.ErrConfigInvalid},
		{"max age below quiescence", "kpanic:\n  reassembly:\n    quiescence: 5s\n    max_accumulation: 1s\n", core.ErrConfigInvalid},
		{"zero workers", "kpanic:\n  pipeline:\n    workers: 0\n", core.ErrConfigInvalid},
		{"bad charset", "kpanic:\n  pipeline:\n    charset: ebcdic\n", core.ErrConfigInvalid},
		{"unknown tag hook", "kpanic:\n  pipeline:\n    hooks:\n      tags: [nope]\n", core.ErrConfigInvalid},
		{"extra used as tag", "kpanic:\n  pipeline:\n    hooks:\n      tags: [received_at]\n", core.ErrConfigInvalid},
		{"empty sink", "kpanic:\n  sink:\n    type: \"\"\n", core.ErrConfigInvalid},
		{"bad log level", "kpanic:\n  log:\n    level: loud\n", core.ErrConfigInvalid},
		{"file log without path", "kpanic:\n  log:\n    file:\n      enabled: true\n      path: \"\"\n", core.ErrConfigInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoggerConfig(t *testing.T) {
	lc := LogConfig{
		Level: "debug",
		File:  FileLogConfig{Enabled: true, Path: "/tmp/k.log", MaxSizeMB: 7, MaxAgeDays: 3, MaxBackups: 2, Compress: true},
	}.LoggerConfig()

	assert.Equal(t, "debug", lc.Level)
	assert.True(t, lc.File.Enabled)
	assert.Equal(t, "/tmp/k.log", lc.File.Filename)
	assert.Equal(t, 7, lc.File.MaxSize)
	assert.Equal(t, 3, lc.File.MaxAge)
	assert.Equal(t, 2, lc.File.MaxBackups)
}
