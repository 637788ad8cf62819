package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/log"
	"firestige.xyz/kpanic/internal/metrics"
)

// packetSource is satisfied by both pcapgo readers.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// pcapListener replays the UDP payloads of a capture file as datagram
// fragments keyed by their source address.
type pcapListener struct {
	path     string
	file     *os.File
	src      packetSource
	dstPort  uint16
	realtime bool
}

func openPcap(cfg Config) (*pcapListener, error) {
	if cfg.PcapFile == "" {
		return nil, fmt.Errorf("%w: pcap mode requires a capture file", core.ErrConfigInvalid)
	}
	if cfg.PcapPort < 0 || cfg.PcapPort > 65535 {
		return nil, fmt.Errorf("%w: pcap port %d out of range", core.ErrConfigInvalid, cfg.PcapPort)
	}
	f, err := os.Open(cfg.PcapFile)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", cfg.PcapFile, err)
	}
	src, err := newPacketSource(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read capture %s: %w", cfg.PcapFile, err)
	}
	return &pcapListener{
		path:     cfg.PcapFile,
		file:     f,
		src:      src,
		dstPort:  uint16(cfg.PcapPort),
		realtime: cfg.PcapRealtime,
	}, nil
}

// newPacketSource sniffs the file header and picks the pcap or pcapng reader.
func newPacketSource(f *os.File) (packetSource, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	// pcapng section header block type
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

func (l *pcapListener) Mode() core.Mode { return core.ModePcap }

func (l *pcapListener) Addr() net.Addr { return nil }

func (l *pcapListener) Listen(ctx context.Context, out Pusher) error {
	logger := log.GetLogger().WithField("file", l.path)
	logger.Info("pcap replay started")

	var (
		replayed int
		lastTS   time.Time
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		data, ci, err := l.src.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			logger.WithField("fragments", replayed).Info("pcap replay finished")
			return nil
		}
		if err != nil {
			metrics.TransportErrorsTotal.WithLabelValues(string(core.ModePcap)).Inc()
			return fmt.Errorf("read capture %s: %w", l.path, err)
		}

		f, ok := l.decode(data)
		if !ok {
			continue
		}
		if l.realtime && !lastTS.IsZero() {
			if gap := ci.Timestamp.Sub(lastTS); gap > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(gap):
				}
			}
		}
		lastTS = ci.Timestamp

		f.ReceivedAt = time.Now()
		if !push(out, f) {
			return nil
		}
		replayed++
	}
}

// decode extracts the UDP payload of one captured frame.
func (l *pcapListener) decode(data []byte) (core.Fragment, bool) {
	pkt := gopacket.NewPacket(data, l.src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return core.Fragment{}, false
	}
	if l.dstPort != 0 && uint16(udp.DstPort) != l.dstPort {
		return core.Fragment{}, false
	}

	var src netip.Addr
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
	default:
		return core.Fragment{}, false
	}

	payload := make([]byte, len(udp.Payload))
	copy(payload, udp.Payload)
	return core.Fragment{
		Peer: core.PeerID{Addr: src.Unmap(), Port: uint16(udp.SrcPort)},
		// replayed datagrams go through quiescence reassembly
		Mode: core.ModeDatagram,
		Data: payload,
	}, true
}

func (l *pcapListener) Close() error {
	return l.file.Close()
}
