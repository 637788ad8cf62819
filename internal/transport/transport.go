// Package transport receives raw report bytes from the network (or a capture
// file) and pushes them into the inbox as fragments.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/log"
	"firestige.xyz/kpanic/internal/metrics"
)

// ReadSize caps a single datagram receive and the chunk size of stream reads.
const ReadSize = 8192

// DefaultMaxConns bounds concurrently served stream connections.
const DefaultMaxConns = 5

// Config selects and parameterizes a listener.
type Config struct {
	Mode core.Mode
	Host string
	Port int

	// MaxConns bounds concurrently served stream connections.
	MaxConns int
	// ReadTimeout abandons a stream connection idle for this long. Zero
	// disables it.
	ReadTimeout time.Duration

	// PcapFile is the capture replayed in pcap mode.
	PcapFile string
	// PcapPort keeps only UDP payloads sent to this port. Zero keeps all.
	PcapPort int
	// PcapRealtime replays packets with their captured inter-arrival gaps.
	PcapRealtime bool
}

// Pusher accepts fragments, typically an *inbox.Inbox.
type Pusher interface {
	Push(f core.Fragment) error
}

// Listener produces fragments until its context is cancelled.
type Listener interface {
	Mode() core.Mode
	// Addr is the bound local address, nil for pcap replay.
	Addr() net.Addr
	// Listen blocks until ctx is cancelled, the listener is closed or the
	// source is exhausted.
	Listen(ctx context.Context, out Pusher) error
	Close() error
}

// Open validates cfg and binds the listener. Unknown modes and bind failures
// are reported here, before anything is served.
func Open(cfg Config) (Listener, error) {
	switch cfg.Mode {
	case core.ModeDatagram:
		return openDatagram(cfg)
	case core.ModeStream:
		return openStream(cfg)
	case core.ModePcap:
		return openPcap(cfg)
	}
	return nil, fmt.Errorf("%w: %q", core.ErrUnknownMode, cfg.Mode)
}

func (c Config) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// push hands f to out and reports whether the listener should keep going.
func push(out Pusher, f core.Fragment) bool {
	metrics.FragmentsReceivedTotal.WithLabelValues(string(f.Mode)).Inc()
	metrics.FragmentBytesTotal.WithLabelValues(string(f.Mode)).Add(float64(len(f.Data)))

	err := out.Push(f)
	switch {
	case err == nil:
		return true
	case errors.Is(err, core.ErrClosed):
		return false
	case errors.Is(err, core.ErrInboxFull):
		return true
	default:
		log.GetLogger().WithError(err).WithField("peer", f.Peer.String()).Warn("push fragment failed")
		return true
	}
}
