package packet

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"stethoscope/pcapsessions/internal/flow"
)

var zeroMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}

// Template describes an Ethernet/IP/TCP frame to synthesize.
type Template struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	Src     flow.Endpoint
	Dst     flow.Endpoint
	Seq     uint32
	Ack     uint32
	Flags   Flags
	Window  uint16
	Payload []byte
}

// Encode serializes t with lengths and checksums filled in. IPv6 is used when
// the source address is IPv6.
func Encode(t Template) ([]byte, error) {
	srcMAC, dstMAC := t.SrcMAC, t.DstMAC
	if len(srcMAC) == 0 {
		srcMAC = zeroMAC
	}
	if len(dstMAC) == 0 {
		dstMAC = zeroMAC
	}
	window := t.Window
	if window == 0 {
		window = 65535
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(t.Src.Port),
		DstPort: layers.TCPPort(t.Dst.Port),
		Seq:     t.Seq,
		Ack:     t.Ack,
		Window:  window,
		FIN:     t.Flags&FIN != 0,
		SYN:     t.Flags&SYN != 0,
		RST:     t.Flags&RST != 0,
		PSH:     t.Flags&PSH != 0,
		ACK:     t.Flags&ACK != 0,
		URG:     t.Flags&URG != 0,
		ECE:     t.Flags&ECE != 0,
		CWR:     t.Flags&CWR != 0,
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	var netLayer gopacket.SerializableLayer
	if t.Src.Addr.Is6() && !t.Src.Addr.Is4In6() {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      t.Src.Addr.AsSlice(),
			DstIP:      t.Dst.Addr.AsSlice(),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip6); err != nil {
			return nil, fmt.Errorf("tcp checksum layer: %w", err)
		}
		netLayer = ip6
	} else {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip4 := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    t.Src.Addr.Unmap().AsSlice(),
			DstIP:    t.Dst.Addr.Unmap().AsSlice(),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip4); err != nil {
			return nil, fmt.Errorf("tcp checksum layer: %w", err)
		}
		netLayer = ip4
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, netLayer, tcp, gopacket.Payload(t.Payload)); err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decodes an Ethernet frame with capture metadata taken from ts.
func Decode(data []byte, ts time.Time) gopacket.Packet {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	md := pkt.Metadata()
	md.Timestamp = ts
	md.CaptureLength = len(data)
	md.Length = len(data)
	return pkt
}
