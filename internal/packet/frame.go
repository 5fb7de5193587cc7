// Package packet turns decoded link-layer packets into typed TCP frames.
package packet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"stethoscope/pcapsessions/internal/flow"
)

var (
	ErrNoNetwork = errors.New("packet has no IPv4/IPv6 layer")
	ErrNoTCP     = errors.New("packet has no TCP layer")
	ErrMalformed = errors.New("packet failed to decode")
	ErrTruncated = errors.New("packet truncated by capture")
)

// Flags is the TCP flag byte (FIN in the low bit, CWR in the high bit).
type Flags uint8

const (
	FIN Flags = 1 << iota
	SYN
	RST
	PSH
	ACK
	URG
	ECE
	CWR
)

var flagLetters = []struct {
	f Flags
	c byte
}{
	{FIN, 'F'}, {SYN, 'S'}, {RST, 'R'}, {PSH, 'P'}, {ACK, 'A'}, {URG, 'U'}, {ECE, 'E'}, {CWR, 'C'},
}

// String renders flags as letters, e.g. "S", "SA", "PA".
func (f Flags) String() string {
	var b strings.Builder
	for _, l := range flagLetters {
		if f&l.f != 0 {
			b.WriteByte(l.c)
		}
	}
	return b.String()
}

// Has reports whether every bit of want is set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Frame is one captured TCP segment with the header fields reassembly needs.
type Frame struct {
	Index     int // arrival position in the capture
	Timestamp time.Time
	Key       flow.Key
	DstMAC    net.HardwareAddr
	Seq       uint32
	Ack       uint32
	Flags     Flags
	Checksum  uint16
	Payload   []byte
}

func (f Frame) PayloadLen() int { return len(f.Payload) }

func (f Frame) String() string {
	return fmt.Sprintf("#%d %s [%s] seq=%d ack=%d len=%d", f.Index, f.Key, f.Flags, f.Seq, f.Ack, len(f.Payload))
}

// Parse extracts a Frame from a decoded packet. Packets without an IP and a TCP
// layer, and packets cut short by the snap length, are rejected.
func Parse(pkt gopacket.Packet, index int) (Frame, error) {
	var src, dst netip.Addr
	if ip4L := pkt.Layer(layers.LayerTypeIPv4); ip4L != nil {
		ip4 := ip4L.(*layers.IPv4)
		src, _ = netip.AddrFromSlice(ip4.SrcIP)
		dst, _ = netip.AddrFromSlice(ip4.DstIP)
		src, dst = src.Unmap(), dst.Unmap()
	} else if ip6L := pkt.Layer(layers.LayerTypeIPv6); ip6L != nil {
		ip6 := ip6L.(*layers.IPv6)
		src, _ = netip.AddrFromSlice(ip6.SrcIP)
		dst, _ = netip.AddrFromSlice(ip6.DstIP)
	} else {
		if el := pkt.ErrorLayer(); el != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, el.Error())
		}
		return Frame{}, ErrNoNetwork
	}

	tcpL := pkt.Layer(layers.LayerTypeTCP)
	if tcpL == nil {
		if el := pkt.ErrorLayer(); el != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, el.Error())
		}
		return Frame{}, ErrNoTCP
	}
	tcp := tcpL.(*layers.TCP)

	md := pkt.Metadata()
	if md != nil && md.Truncated {
		return Frame{}, ErrTruncated
	}

	f := Frame{
		Index:    index,
		Key:      flow.NewKey(flow.Endpoint{Addr: src, Port: uint16(tcp.SrcPort)}, flow.Endpoint{Addr: dst, Port: uint16(tcp.DstPort)}),
		Seq:      tcp.Seq,
		Ack:      tcp.Ack,
		Flags:    tcpFlags(tcp),
		Checksum: tcp.Checksum,
		Payload:  tcp.Payload,
	}
	if md != nil {
		f.Timestamp = md.Timestamp
	}
	if ethL := pkt.Layer(layers.LayerTypeEthernet); ethL != nil {
		f.DstMAC = ethL.(*layers.Ethernet).DstMAC
	}
	return f, nil
}

func tcpFlags(tcp *layers.TCP) Flags {
	var f Flags
	if tcp.FIN {
		f |= FIN
	}
	if tcp.SYN {
		f |= SYN
	}
	if tcp.RST {
		f |= RST
	}
	if tcp.PSH {
		f |= PSH
	}
	if tcp.ACK {
		f |= ACK
	}
	if tcp.URG {
		f |= URG
	}
	if tcp.ECE {
		f |= ECE
	}
	if tcp.CWR {
		f |= CWR
	}
	return f
}
