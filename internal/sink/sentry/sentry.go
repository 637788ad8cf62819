// Package sentry implements a sink that reports events to Sentry.
package sentry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/log"
	"firestige.xyz/kpanic/internal/sink"
)

const Name = "sentry"

const (
	defaultTimeout      = 10 * time.Second
	defaultFlushTimeout = 5 * time.Second
	platform            = "other"
)

func init() {
	sink.Register(Name, func(options map[string]any) (sink.Sink, error) {
		return New(options)
	})
}

// Config represents Sentry sink configuration.
type Config struct {
	DSN          string        `mapstructure:"dsn"` // required
	Environment  string        `mapstructure:"environment"`
	Release      string        `mapstructure:"release"`
	ServerName   string        `mapstructure:"server_name"`
	Timeout      time.Duration `mapstructure:"timeout"`       // optional, default 10s
	FlushTimeout time.Duration `mapstructure:"flush_timeout"` // optional, default 5s
	Debug        bool          `mapstructure:"debug"`
}

var errNotSent = errors.New("sentry transport did not send the event")

// Sink sends one Sentry event per report through a synchronous transport.
// Deliveries are serialized so every HTTP outcome belongs to one report.
type Sink struct {
	mu       sync.Mutex
	client   *sentry.Client
	config   Config
	observer *observer
}

// observer sits under the SDK transport, which only logs HTTP failures.
type observer struct {
	next http.RoundTripper

	mu   sync.Mutex
	sent bool
	err  error
}

func (o *observer) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := o.next.RoundTrip(req)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = true
	switch {
	case err != nil:
		o.err = err
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		o.err = fmt.Errorf("sentry responded %s", resp.Status)
	}
	return resp, err
}

func (o *observer) reset() {
	o.mu.Lock()
	o.sent, o.err = false, nil
	o.mu.Unlock()
}

// result returns the outcome of the request issued since the last reset.
// No request at all means the SDK withheld the event, e.g. while rate limited.
func (o *observer) result() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.sent {
		return errNotSent
	}
	return o.err
}

func New(options map[string]any) (*Sink, error) {
	cfg := Config{Timeout: defaultTimeout, FlushTimeout: defaultFlushTimeout}
	if err := sink.DecodeOptions(options, &cfg); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: sentry dsn is required", core.ErrConfigInvalid)
	}

	transport := sentry.NewHTTPSyncTransport()
	transport.Timeout = cfg.Timeout
	obs := &observer{next: http.DefaultTransport}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:           cfg.DSN,
		Environment:   cfg.Environment,
		Release:       cfg.Release,
		ServerName:    cfg.ServerName,
		Debug:         cfg.Debug,
		Transport:     transport,
		HTTPTransport: obs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return &Sink{client: client, config: cfg, observer: obs}, nil
}

func (s *Sink) Name() string {
	return Name
}

// Deliver captures r and returns the HTTP outcome: transport errors, non-2xx
// replies and events the SDK never sent are all failures.
func (s *Sink) Deliver(_ context.Context, r *core.Report) error {
	if r == nil {
		return fmt.Errorf("nil report")
	}
	ev := toSentryEvent(sink.NewEvent(r))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer.reset()
	if id := s.client.CaptureEvent(ev, nil, sentry.NewScope()); id == nil {
		return fmt.Errorf("sentry dropped event for %s", r.User)
	}
	if err := s.observer.result(); err != nil {
		return fmt.Errorf("event %s for %s: %w", ev.EventID, r.User, err)
	}
	return nil
}

// toSentryEvent maps the outbound schema onto a Sentry event. Sentry tags are
// a map, so for repeated tag names the last value wins.
func toSentryEvent(ev *sink.Event) *sentry.Event {
	out := sentry.NewEvent()
	out.EventID = sentry.EventID(strings.ReplaceAll(ev.EventID, "-", ""))
	out.Message = ev.Message
	out.Fingerprint = ev.Fingerprint
	out.Level = sentry.LevelFatal
	out.Platform = platform
	out.Timestamp = ev.Timestamp
	out.User = sentry.User{ID: ev.User.ID}
	for _, t := range ev.Tags {
		out.Tags[t[0]] = t[1]
	}
	for k, v := range ev.Extra {
		out.Extra[k] = v
	}
	return out
}

func (s *Sink) Close(context.Context) error {
	if !s.client.Flush(s.config.FlushTimeout) {
		log.GetLogger().Warn("sentry flush timed out")
	}
	return nil
}
