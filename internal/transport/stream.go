package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/log"
	"firestige.xyz/kpanic/internal/metrics"
)

// streamListener treats every accepted connection as one complete message.
type streamListener struct {
	ln          net.Listener
	readTimeout time.Duration
	seq         atomic.Uint64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func openStream(cfg Config) (*streamListener, error) {
	ln, err := net.Listen("tcp", cfg.address())
	if err != nil {
		return nil, fmt.Errorf("bind tcp %s: %w", cfg.address(), err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	return &streamListener{
		ln:          netutil.LimitListener(ln, maxConns),
		readTimeout: cfg.ReadTimeout,
		conns:       make(map[net.Conn]struct{}),
	}, nil
}

func (l *streamListener) Mode() core.Mode { return core.ModeStream }

func (l *streamListener) Addr() net.Addr { return l.ln.Addr() }

func (l *streamListener) Listen(ctx context.Context, out Pusher) error {
	logger := log.GetLogger().WithField("addr", l.Addr().String())
	logger.Info("stream listener started")
	defer logger.Info("stream listener stopped")

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer l.wg.Wait()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			metrics.TransportErrorsTotal.WithLabelValues(string(core.ModeStream)).Inc()
			logger.WithError(err).Warn("accept failed")
			continue
		}
		if !l.track(conn) {
			_ = conn.Close()
			return nil
		}

		peer := core.PeerFromAddr(conn.RemoteAddr())
		peer.Conn = l.seq.Add(1)

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrack(conn)
			l.serve(conn, peer, out)
		}()
	}
}

// serve reads conn until the peer closes it and pushes the whole payload as
// one fragment. A read error abandons the connection.
func (l *streamListener) serve(conn net.Conn, peer core.PeerID, out Pusher) {
	defer conn.Close()
	logger := log.GetLogger().WithField("peer", peer.String())

	var data []byte
	buf := make([]byte, ReadSize)
	for {
		if l.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		}
		n, err := conn.Read(buf)
		data = append(data, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			metrics.TransportErrorsTotal.WithLabelValues(string(core.ModeStream)).Inc()
			logger.WithError(err).WithField("bytes", len(data)).Warn("connection abandoned")
			return
		}
	}

	if len(data) == 0 {
		logger.Debug("connection closed without data")
		return
	}
	push(out, core.Fragment{
		Peer:       peer,
		Mode:       core.ModeStream,
		Data:       data,
		ReceivedAt: time.Now(),
	})
}

func (l *streamListener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns == nil {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *streamListener) untrack(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
}

// Close stops accepting and abandons every in-flight connection.
func (l *streamListener) Close() error {
	l.mu.Lock()
	conns := l.conns
	l.conns = nil
	l.mu.Unlock()
	if conns == nil {
		return nil
	}

	err := l.ln.Close()
	for c := range conns {
		_ = c.Close()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
