package receiver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/kpanic/internal/config"
	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/log"
)

const quiet = 150 * time.Millisecond

// recordingSink collects delivered reports.
type recordingSink struct {
	mu      sync.Mutex
	reports []*core.Report
	ch      chan *core.Report
	closed  bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan *core.Report, 16)}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, r *core.Report) error {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
	s.ch <- r
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func (s *recordingSink) next(t *testing.T, timeout time.Duration) *core.Report {
	t.Helper()
	select {
	case r := <-s.ch:
		return r
	case <-time.After(timeout):
		t.Fatal("no report delivered")
		return nil
	}
}

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	t.Setenv("KPANIC_LISTEN_MODE", mode)
	t.Setenv("KPANIC_LISTEN_HOST", "127.0.0.1")
	t.Setenv("KPANIC_LISTEN_PORT", "0")
	t.Setenv("KPANIC_METRICS_ENABLED", "false")
	t.Setenv("KPANIC_REASSEMBLY_QUIESCENCE", quiet.String())
	t.Setenv("KPANIC_REASSEMBLY_MAX_ACCUMULATION", "0s")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func start(t *testing.T, cfg *config.Config, s *recordingSink) *Receiver {
	t.Helper()
	r, err := New(cfg, WithSink(s))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func TestDatagramFragmentsFormOneReport(t *testing.T) {
	s := newRecordingSink()
	r := start(t, testConfig(t, "datagram"), s)

	conn, err := net.Dial("udp", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("AB"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("CD"))
	require.NoError(t, err)
	sent := time.Now()

	report := s.next(t, 3*time.Second)
	assert.GreaterOrEqual(t, time.Since(sent), quiet)
	assert.True(t, strings.HasSuffix(report.Message, "ABCD"))
	assert.Equal(t, "127.0.0.1", report.User)
	assert.Equal(t, "Unknown error", report.Title)

	time.Sleep(3 * quiet)
	assert.Equal(t, 1, s.count())
}

func TestStreamConnectionReportsWithoutWaiting(t *testing.T) {
	s := newRecordingSink()
	cfg := testConfig(t, "stream")
	cfg.Reassembly.Quiescence = time.Hour
	r := start(t, cfg, s)

	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("PANIC: BUG at x"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	report := s.next(t, 2*time.Second)
	assert.Contains(t, report.Message, "PANIC: BUG at x")
	assert.Equal(t, "PANIC: BUG at x", report.Title)
}

func TestCheckHookVetoDeliversNothing(t *testing.T) {
	s := newRecordingSink()
	cfg := testConfig(t, "datagram")
	cfg.Pipeline.Hooks.Check = "require_marker"
	r := start(t, cfg, s)

	noise, err := net.Dial("udp", r.Addr().String())
	require.NoError(t, err)
	defer noise.Close()
	_, err = noise.Write([]byte("routine boot message"))
	require.NoError(t, err)

	time.Sleep(quiet / 3)
	crash, err := net.Dial("udp", r.Addr().String())
	require.NoError(t, err)
	defer crash.Close()
	_, err = crash.Write([]byte("BUG: kernel NULL pointer dereference"))
	require.NoError(t, err)

	report := s.next(t, 3*time.Second)
	assert.Equal(t, "BUG: kernel NULL pointer dereference", report.Title)

	time.Sleep(2 * quiet)
	assert.Equal(t, 1, s.count())
	assert.Equal(t, 0, r.table.Len())
}

func TestCustomHooksThroughRegistry(t *testing.T) {
	s := newRecordingSink()
	cfg := testConfig(t, "stream")
	cfg.Pipeline.Hooks.Tags = []string{"kernel_version"}
	r := start(t, cfg, s)
	r.Registry().SetTitleHook(func(core.PeerID, string) string { return "custom-title" })

	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("Kernel panic on 3.10.0-1160.el7.x86_64 now\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	report := s.next(t, 2*time.Second)
	assert.Equal(t, "custom-title", report.Title)
	assert.Equal(t, []core.Tag{{Name: "kernel_version", Value: "3.10.0-1160.el7.x86_64"}}, report.Tags)
}

func TestStopFlushesPendingMessages(t *testing.T) {
	s := newRecordingSink()
	cfg := testConfig(t, "datagram")
	cfg.Reassembly.Quiescence = time.Hour
	pidFile := filepath.Join(t.TempDir(), "kpanic.pid")

	r, err := New(cfg, WithSink(s), WithPIDFile(pidFile))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	_, err = os.Stat(pidFile)
	require.NoError(t, err)

	conn, err := net.Dial("udp", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("BUG: half a message"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.table.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()

	assert.Equal(t, 1, s.count())
	assert.True(t, s.closed)
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newRecordingSink()
	r, err := New(testConfig(t, "datagram"), WithSink(s))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestStartFailsOnBindError(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t, "datagram")
	cfg.Listen.Port = busy.LocalAddr().(*net.UDPAddr).Port

	r, err := New(cfg, WithSink(newRecordingSink()))
	require.NoError(t, err)
	assert.Error(t, r.Start(context.Background()))
	r.Stop()
}

func TestNewRejectsUnknownSink(t *testing.T) {
	cfg := testConfig(t, "datagram")
	cfg.Sink.Type = "carrier-pigeon"
	_, err := New(cfg)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestReload(t *testing.T) {
	prev := log.GetLogger()
	defer log.SetLogger(prev)

	r, err := New(testConfig(t, "datagram"), WithSink(newRecordingSink()))
	require.NoError(t, err)
	assert.Error(t, r.Reload())

	path := filepath.Join(t.TempDir(), "kpanic.yml")
	require.NoError(t, os.WriteFile(path, []byte("kpanic:\n  log:\n    level: debug\n"), 0o644))
	r.configPath = path
	require.NoError(t, r.Reload())
	assert.Equal(t, "debug", r.config.Log.Level)
}
