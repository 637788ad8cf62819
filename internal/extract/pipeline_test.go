package extract

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/kpanic/internal/core"
)

// recordingSink keeps every delivered report.
type recordingSink struct {
	mu      sync.Mutex
	reports []*core.Report
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, r *core.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

var testPeer = core.PeerID{Addr: netip.MustParseAddr("203.0.113.5"), Port: 514}

func message(text string) core.Message {
	return core.Message{Peer: testPeer, Data: []byte(text), Reason: core.ReasonQuiescence}
}

func newTestPipeline(t *testing.T) (*Registry, *recordingSink, *Pipeline) {
	t.Helper()
	reg := NewRegistry()
	sink := &recordingSink{}
	return reg, sink, NewPipeline(reg, nil, sink)
}

func TestDefaultReport(t *testing.T) {
	_, sink, p := newTestPipeline(t)
	text := "some preamble\n[  12.3] general   protection fault: 0000 [#1] SMP \ntrace follows\n"

	r, err := p.Process(context.Background(), message(text))
	require.NoError(t, err)

	assert.Equal(t, "[ 12.3] general protection fault: 0000 [#1] SMP", r.Title)
	assert.Equal(t, r.Title, r.Fingerprint)
	assert.Equal(t, "203.0.113.5", r.User)
	assert.Equal(t, MessageHeader+text, r.Message)
	assert.Empty(t, r.Tags)
	assert.Empty(t, r.Extra)
	assert.Equal(t, 1, sink.count())
}

func TestDefaultTitleMarkerPriority(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"no marker", "all quiet here\n", UnknownTitle},
		{"empty", "", UnknownTitle},
		{"bug wins over earlier smp", "CPU0 SMP ready\nkernel BUG at mm/slab.c:42!\n", "kernel BUG at mm/slab.c:42!"},
		{"panic line", "x\nKernel panic - not syncing:   Fatal exception\n", "Kernel panic - not syncing: Fatal exception"},
		{"last line without newline", "boot\n  divide error: 0000", "divide error: 0000"},
		{"gpf before smp-only line", "general protection fault here\nSMP later\n", "general protection fault here"},
	}
	title := defaultTitle(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, title(testPeer, tc.text))
		})
	}
}

func TestDefaultTitleModulePrefix(t *testing.T) {
	_, _, p := newTestPipeline(t)
	r, err := p.Build(message("[kmodlve] loaded\nBUG: unable to handle\n"))
	require.NoError(t, err)
	assert.Equal(t, "[kmodlve] BUG: unable to handle", r.Title)

	reg := NewRegistry(WithModuleTags("mymod"))
	p = NewPipeline(reg, nil, &recordingSink{})
	r, err = p.Build(message("[mymod] x\nnothing\n"))
	require.NoError(t, err)
	assert.Equal(t, "[mymod] Unknown error", r.Title)
}

func TestCustomTitleHookOverridesDefault(t *testing.T) {
	reg, _, p := newTestPipeline(t)
	reg.SetTitleHook(func(core.PeerID, string) string { return "custom-title" })

	r, err := p.Process(context.Background(), message("Kernel panic - not syncing\n"))
	require.NoError(t, err)
	assert.Equal(t, "custom-title", r.Title)
	assert.Equal(t, "Kernel panic - not syncing", r.Fingerprint, "fingerprint keeps the default title")

	reg.SetTitleHook(nil)
	r, err = p.Process(context.Background(), message("Kernel panic - not syncing\n"))
	require.NoError(t, err)
	assert.Equal(t, "Kernel panic - not syncing", r.Title)
}

func TestSingleSlotSettersReplace(t *testing.T) {
	reg, _, p := newTestPipeline(t)
	reg.SetUserHook(func(core.PeerID, string) string { return "first" })
	reg.SetUserHook(func(core.PeerID, string) string { return "second" })
	reg.SetFingerprintHook(func(core.PeerID, string) string { return "fp" })
	reg.SetMessageHook(func(_ core.PeerID, text string) string { return strings.ToUpper(text) })

	r, err := p.Build(message("oops"))
	require.NoError(t, err)
	assert.Equal(t, "second", r.User)
	assert.Equal(t, "fp", r.Fingerprint)
	assert.Equal(t, "OOPS", r.Message)
}

func TestTagHooksKeepOrderAndSkipNoContribution(t *testing.T) {
	reg, _, p := newTestPipeline(t)
	reg.AddTagHook(&TagHook{Name: "a", Fn: func(core.PeerID, string) (core.Tag, bool) {
		return core.Tag{Name: "dup", Value: "1"}, true
	}})
	reg.AddTagHook(&TagHook{Name: "skip", Fn: func(core.PeerID, string) (core.Tag, bool) {
		return core.Tag{}, false
	}})
	reg.AddTagHook(&TagHook{Name: "b", Fn: func(core.PeerID, string) (core.Tag, bool) {
		return core.Tag{Name: "dup", Value: "2"}, true
	}})

	r, err := p.Build(message("x"))
	require.NoError(t, err)
	assert.Equal(t, []core.Tag{{Name: "dup", Value: "1"}, {Name: "dup", Value: "2"}}, r.Tags)
}

func TestRemoveTagHook(t *testing.T) {
	reg, _, p := newTestPipeline(t)
	h := &TagHook{Name: "kernel", Fn: func(core.PeerID, string) (core.Tag, bool) {
		return core.Tag{Name: "kernel_version", Value: "x"}, true
	}}
	reg.AddTagHook(h)

	r, err := p.Build(message("x"))
	require.NoError(t, err)
	assert.Len(t, r.Tags, 1)

	assert.True(t, reg.RemoveTagHook(h))
	r, err = p.Build(message("x"))
	require.NoError(t, err)
	assert.Empty(t, r.Tags)

	assert.False(t, reg.RemoveTagHook(h))
	assert.False(t, reg.RemoveTagHook(&TagHook{Name: "never-added"}))
}

func TestExtraHooksLaterKeyWins(t *testing.T) {
	reg, _, p := newTestPipeline(t)
	first := &ExtraHook{Name: "first", Fn: func(core.PeerID, string) (string, any, bool) {
		return "k", 1, true
	}}
	reg.AddExtraHook(first)
	reg.AddExtraHook(&ExtraHook{Name: "second", Fn: func(core.PeerID, string) (string, any, bool) {
		return "k", 2, true
	}})
	reg.AddExtraHook(&ExtraHook{Name: "none", Fn: func(core.PeerID, string) (string, any, bool) {
		return "", nil, false
	}})

	r, err := p.Build(message("x"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": 2}, r.Extra)

	assert.True(t, reg.RemoveExtraHook(first))
	assert.False(t, reg.RemoveExtraHook(first))
	assert.Len(t, reg.ExtraHooks(), 2)
}

func TestCheckHookVeto(t *testing.T) {
	reg, sink, p := newTestPipeline(t)
	reg.SetCheckHook(func(core.PeerID, string) (string, bool) { return "", false })

	r, err := p.Process(context.Background(), message("BUG: x"))
	assert.ErrorIs(t, err, core.ErrVetoed)
	assert.Nil(t, r)
	assert.Equal(t, 0, sink.count())
}

func TestCheckHookReplacesText(t *testing.T) {
	reg, _, p := newTestPipeline(t)
	reg.SetCheckHook(func(_ core.PeerID, text string) (string, bool) {
		return strings.TrimPrefix(text, "<0>"), true
	})
	var seen string
	reg.AddTagHook(&TagHook{Name: "spy", Fn: func(_ core.PeerID, text string) (core.Tag, bool) {
		seen = text
		return core.Tag{}, false
	}})

	r, err := p.Build(message("<0>Kernel panic"))
	require.NoError(t, err)
	assert.Equal(t, "Kernel panic", r.Title)
	assert.Equal(t, "Kernel panic", seen)
}

func TestDecodeErrorDeliversNothing(t *testing.T) {
	_, sink, p := newTestPipeline(t)
	msg := core.Message{Peer: testPeer, Data: []byte{0xff, 0xfe, 'B', 'U', 'G'}}

	_, err := p.Process(context.Background(), msg)
	assert.ErrorIs(t, err, core.ErrDecode)
	assert.Equal(t, 0, sink.count())
}

func TestSinkErrorIsWrapped(t *testing.T) {
	_, sink, p := newTestPipeline(t)
	cause := errors.New("connection refused")
	sink.err = cause

	r, err := p.Process(context.Background(), message("BUG"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSink)
	assert.ErrorIs(t, err, cause)
	assert.NotNil(t, r)
	assert.Equal(t, 1, sink.count(), "delivered exactly once, no retry")
}

func TestDecoders(t *testing.T) {
	latin1, err := NewDecoder("latin1")
	require.NoError(t, err)
	text, err := latin1([]byte{'c', 'a', 'f', 0xe9})
	require.NoError(t, err)
	assert.Equal(t, "café", text)

	ascii, err := NewDecoder("ascii")
	require.NoError(t, err)
	_, err = ascii([]byte("ok\n"))
	require.NoError(t, err)
	_, err = ascii([]byte{'o', 0x80})
	assert.ErrorIs(t, err, core.ErrDecode)

	utf, err := NewDecoder("")
	require.NoError(t, err)
	text, err = utf([]byte("héllo"))
	require.NoError(t, err)
	assert.Equal(t, "héllo", text)

	_, err = NewDecoder("ebcdic")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestRegistryConcurrentUse(t *testing.T) {
	reg, _, p := newTestPipeline(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h := &TagHook{Name: "t", Fn: func(core.PeerID, string) (core.Tag, bool) { return core.Tag{Name: "t"}, true }}
			reg.AddTagHook(h)
			reg.RemoveTagHook(h)
		}()
		go func() {
			defer wg.Done()
			_, err := p.Build(message("BUG"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Empty(t, reg.TagHooks())
}
