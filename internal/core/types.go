// Package core defines the domain types shared by transport, reassembly,
// extraction and sinks.
package core

import (
	"net"
	"net/netip"
	"strconv"
	"time"
)

// Mode selects the transport a listener serves.
type Mode string

const (
	ModeDatagram Mode = "datagram"
	ModeStream   Mode = "stream"
	ModePcap     Mode = "pcap"
)

// ParseMode validates a configured transport mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDatagram, ModeStream, ModePcap:
		return m, nil
	}
	return "", ErrUnknownMode
}

// WholeMessage reports whether every fragment of this mode is already a
// complete message.
func (m Mode) WholeMessage() bool {
	return m == ModeStream
}

// PeerID identifies a sender. Datagram peers are keyed by address and port;
// stream peers additionally carry the accept sequence number so successive
// connections from the same port never share state.
type PeerID struct {
	Addr netip.Addr
	Port uint16
	Conn uint64
}

// PeerFromAddr builds a PeerID from a net.Addr returned by the socket layer.
func PeerFromAddr(addr net.Addr) PeerID {
	var ap netip.AddrPort
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap = a.AddrPort()
	case *net.TCPAddr:
		ap = a.AddrPort()
	default:
		ap, _ = netip.ParseAddrPort(addr.String())
	}
	return PeerID{Addr: ap.Addr().Unmap(), Port: ap.Port()}
}

// Host returns the address component, used as the default report user.
func (p PeerID) Host() string {
	if !p.Addr.IsValid() {
		return ""
	}
	return p.Addr.String()
}

func (p PeerID) String() string {
	s := netip.AddrPortFrom(p.Addr, p.Port).String()
	if p.Conn != 0 {
		s += "#" + strconv.FormatUint(p.Conn, 10)
	}
	return s
}

// Fragment is one unit of bytes handed over by a transport listener.
type Fragment struct {
	Peer       PeerID
	Mode       Mode
	Data       []byte
	ReceivedAt time.Time
}

// CompletionReason records why a pending message was finalized.
type CompletionReason string

const (
	ReasonQuiescence CompletionReason = "quiescence"
	ReasonStream     CompletionReason = "stream"
	ReasonMaxBytes   CompletionReason = "max_bytes"
	ReasonMaxAge     CompletionReason = "max_age"
	ReasonShutdown   CompletionReason = "shutdown"
)

// Message is a finalized, reassembled payload ready for extraction.
type Message struct {
	Peer      PeerID
	Data      []byte
	FirstSeen time.Time
	LastSeen  time.Time
	Reason    CompletionReason
}

// Tag is one (name, value) pair of a report.
type Tag struct {
	Name  string
	Value string
}

// Report is the structured result of the extraction pipeline.
type Report struct {
	Title       string
	Fingerprint string
	User        string
	Message     string
	Tags        []Tag
	Extra       map[string]any
}
