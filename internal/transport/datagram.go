package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/log"
	"firestige.xyz/kpanic/internal/metrics"
)

type datagramListener struct {
	conn *net.UDPConn
}

func openDatagram(cfg Config) (*datagramListener, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.address())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.address(), err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind udp %s: %w", cfg.address(), err)
	}
	return &datagramListener{conn: conn}, nil
}

func (l *datagramListener) Mode() core.Mode { return core.ModeDatagram }

func (l *datagramListener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *datagramListener) Listen(ctx context.Context, out Pusher) error {
	logger := log.GetLogger().WithField("addr", l.Addr().String())
	logger.Info("datagram listener started")
	defer logger.Info("datagram listener stopped")

	stop := context.AfterFunc(ctx, func() { _ = l.conn.Close() })
	defer stop()

	buf := make([]byte, ReadSize)
	for {
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			metrics.TransportErrorsTotal.WithLabelValues(string(core.ModeDatagram)).Inc()
			logger.WithError(err).Warn("datagram receive failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		f := core.Fragment{
			Peer:       core.PeerID{Addr: from.Addr().Unmap(), Port: from.Port()},
			Mode:       core.ModeDatagram,
			Data:       data,
			ReceivedAt: time.Now(),
		}
		if !push(out, f) {
			return nil
		}
	}
}

func (l *datagramListener) Close() error {
	err := l.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
