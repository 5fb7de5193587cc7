package reassembly

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"

	"stethoscope/pcapsessions/internal/flow"
	"stethoscope/pcapsessions/internal/packet"
)

var (
	clientAddr = netip.MustParseAddr("10.0.0.5")
	killAddr   = netip.MustParseAddr("10.0.0.1")
)

func ep(s string) flow.Endpoint {
	ap := netip.MustParseAddrPort(s)
	return flow.Endpoint{Addr: ap.Addr(), Port: ap.Port()}
}

func key(src, dst string) flow.Key { return flow.NewKey(ep(src), ep(dst)) }

// seg builds a frame without going through the wire encoding. The checksum is
// a deterministic function of the header and payload so identical segments
// collide and differing ones do not.
func seg(k flow.Key, seq, ack uint32, flags packet.Flags, payload string) packet.Frame {
	sum := uint16(seq) ^ uint16(ack) ^ uint16(flags)
	for _, b := range []byte(payload) {
		sum = sum*31 + uint16(b)
	}
	var p []byte
	if payload != "" {
		p = []byte(payload)
	}
	return packet.Frame{Key: k, Seq: seq, Ack: ack, Flags: flags, Checksum: sum, Payload: p}
}

func seqs(frames []packet.Frame) []uint32 {
	out := make([]uint32, len(frames))
	for i, f := range frames {
		out[i] = f.Seq
	}
	return out
}

func indexed(frames ...packet.Frame) []packet.Frame {
	for i := range frames {
		frames[i].Index = i
	}
	return frames
}

// wire encodes templates into decoded packets, as the capture loader would
// hand them over.
func wire(t *testing.T, tpls ...packet.Template) []gopacket.Packet {
	t.Helper()
	base := time.Unix(1700000000, 0)
	out := make([]gopacket.Packet, 0, len(tpls))
	for i, tpl := range tpls {
		data, err := packet.Encode(tpl)
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		out = append(out, packet.Decode(data, base.Add(time.Duration(i)*time.Millisecond)))
	}
	return out
}

func tpl(src, dst string, seq, ack uint32, flags packet.Flags, payload string) packet.Template {
	return packet.Template{Src: ep(src), Dst: ep(dst), Seq: seq, Ack: ack, Flags: flags, Payload: []byte(payload)}
}
