// Package extract turns completed messages into reports and hands them to a
// sink.
package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/log"
	"firestige.xyz/kpanic/internal/metrics"
)

// Deliverer receives finished reports.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, r *core.Report) error
}

// Pipeline runs the registered hooks over a message in a fixed order and
// delivers the result exactly once.
type Pipeline struct {
	registry *Registry
	decode   Decoder
	sink     Deliverer
}

func NewPipeline(registry *Registry, decode Decoder, sink Deliverer) *Pipeline {
	if decode == nil {
		decode = decodeUTF8
	}
	return &Pipeline{registry: registry, decode: decode, sink: sink}
}

// Build runs every extraction step except delivery. It returns core.ErrDecode
// when the payload is not valid text and core.ErrVetoed when the check hook
// suppresses the message.
func (p *Pipeline) Build(msg core.Message) (*core.Report, error) {
	text, err := p.decode(msg.Data)
	if err != nil {
		return nil, err
	}

	hooks := p.registry.snapshot()
	if hooks.check != nil {
		out, ok := hooks.check(msg.Peer, text)
		if !ok {
			return nil, core.ErrVetoed
		}
		text = out
	}

	report := &core.Report{
		Title:       hooks.title(msg.Peer, text),
		User:        hooks.user(msg.Peer, text),
		Fingerprint: hooks.fingerprint(msg.Peer, text),
		Message:     hooks.message(msg.Peer, text),
		Extra:       make(map[string]any),
	}
	for _, h := range hooks.tags {
		if tag, ok := h.Fn(msg.Peer, text); ok {
			report.Tags = append(report.Tags, tag)
		}
	}
	for _, h := range hooks.extras {
		if key, value, ok := h.Fn(msg.Peer, text); ok {
			report.Extra[key] = value
		}
	}
	return report, nil
}

// Process builds the report for msg and delivers it. Vetoed messages return
// core.ErrVetoed with a nil report; sink failures are wrapped in core.ErrSink
// and returned together with the report that failed.
func (p *Pipeline) Process(ctx context.Context, msg core.Message) (*core.Report, error) {
	logger := log.GetLogger().WithField("peer", msg.Peer.String())

	report, err := p.Build(msg)
	switch {
	case errors.Is(err, core.ErrVetoed):
		metrics.PipelineResultsTotal.WithLabelValues(metrics.ResultVetoed).Inc()
		logger.Info("message vetoed by check hook")
		return nil, err
	case errors.Is(err, core.ErrDecode):
		metrics.PipelineResultsTotal.WithLabelValues(metrics.ResultDecodeError).Inc()
		logger.WithError(err).WithField("bytes", len(msg.Data)).Warn("message dropped")
		return nil, err
	case err != nil:
		return nil, err
	}

	start := time.Now()
	err = p.sink.Deliver(ctx, report)
	metrics.SinkDeliverySeconds.WithLabelValues(p.sink.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineResultsTotal.WithLabelValues(metrics.ResultSinkError).Inc()
		metrics.SinkErrorsTotal.WithLabelValues(p.sink.Name()).Inc()
		return report, fmt.Errorf("%w: %s: %w", core.ErrSink, p.sink.Name(), err)
	}

	metrics.PipelineResultsTotal.WithLabelValues(metrics.ResultDelivered).Inc()
	if logger.IsDebugEnabled() {
		logger.WithField("title", report.Title).WithField("reason", string(msg.Reason)).Debug("report delivered")
	}
	return report, nil
}
