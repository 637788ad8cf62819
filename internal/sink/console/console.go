// Package console implements a sink that prints events, for debugging and
// for running without a reporting backend.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/log"
	"firestige.xyz/kpanic/internal/sink"
)

const Name = "console"

func init() {
	sink.Register(Name, func(options map[string]any) (sink.Sink, error) {
		return New(options, os.Stdout)
	})
}

// Config represents console sink configuration.
type Config struct {
	Format string `mapstructure:"format"` // "json" or "text", default "text"
}

// Sink writes every event to a writer.
type Sink struct {
	format string
	out    io.Writer
	mu     sync.Mutex

	reportedCount atomic.Uint64
}

// New creates a console sink writing to out.
func New(options map[string]any, out io.Writer) (*Sink, error) {
	cfg := Config{Format: "text"}
	if err := sink.DecodeOptions(options, &cfg); err != nil {
		return nil, err
	}
	if cfg.Format != "json" && cfg.Format != "text" {
		return nil, fmt.Errorf("%w: invalid format %q, must be json or text", core.ErrConfigInvalid, cfg.Format)
	}
	return &Sink{format: cfg.Format, out: out}, nil
}

func (s *Sink) Name() string {
	return Name
}

// Deliver writes one event.
func (s *Sink) Deliver(_ context.Context, r *core.Report) error {
	if r == nil {
		return fmt.Errorf("nil report")
	}
	ev := sink.NewEvent(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.format == "json" {
		err = json.NewEncoder(s.out).Encode(ev)
	} else {
		err = s.writeText(ev)
	}
	if err != nil {
		return err
	}
	s.reportedCount.Add(1)
	return nil
}

func (s *Sink) writeText(ev *sink.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s user=%s fingerprint=%q",
		ev.Timestamp.Format("15:04:05.000"), ev.Level, ev.User.ID, ev.Fingerprint[0])
	for _, t := range ev.Tags {
		fmt.Fprintf(&b, " %s=%q", t[0], t[1])
	}
	if len(ev.Extra) > 0 {
		fmt.Fprintf(&b, " extra=%v", ev.Extra)
	}
	b.WriteString("\n")
	b.WriteString(ev.Message)
	if !strings.HasSuffix(ev.Message, "\n") {
		b.WriteString("\n")
	}
	_, err := io.WriteString(s.out, b.String())
	return err
}

func (s *Sink) Close(context.Context) error {
	log.GetLogger().WithField("total_reported", s.reportedCount.Load()).Info("console sink stopped")
	return nil
}
