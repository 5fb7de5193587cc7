package reassembly

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"stethoscope/pcapsessions/internal/capture"
	"stethoscope/pcapsessions/internal/flow"
	"stethoscope/pcapsessions/internal/logging"
	"stethoscope/pcapsessions/internal/packet"
)

const (
	cli = "10.0.0.5:40000"
	srv = "93.1.1.1:443"
)

func handshakeCapture(t *testing.T) []gopacket.Packet {
	return wire(t,
		tpl(cli, srv, 1000, 0, packet.SYN, ""),
		tpl(cli, srv, 1000, 0, packet.SYN, ""), // retransmitted SYN
		tpl(srv, cli, 5000, 1001, packet.SYN|packet.ACK, ""),
		tpl(cli, srv, 1001, 5001, packet.ACK, ""),
		tpl(cli, srv, 1006, 5001, packet.PSH|packet.ACK, " world"), // delivered before its predecessor
		tpl(cli, srv, 1001, 5001, packet.PSH|packet.ACK, "hello"),
		tpl(srv, cli, 5001, 1012, packet.PSH|packet.ACK, "reply"),
		tpl(srv, cli, 5001, 1012, packet.PSH|packet.ACK, "reply"), // capture duplicate
		tpl(cli, srv, 1012, 5006, packet.ACK, ""),
		tpl(cli, srv, 1012, 5006, packet.ACK, ""),
	)
}

func TestReassembleHandshake(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	r := New(clientAddr, killAddr, logging.Discard(), m)
	res := r.Reassemble(handshakeCapture(t))

	if res.RunID == "" {
		t.Fatal("missing run id")
	}
	if len(res.Pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(res.Pairs))
	}
	p := res.Pairs[flow.Quad{Client: ep(cli), Server: ep(srv)}]
	if p == nil || p.OneSided() {
		t.Fatalf("pair = %+v", p)
	}
	if got := seqs(p.ClientToServer.Frames); !slices.Equal(got, []uint32{1000, 1001, 1001, 1006, 1012}) {
		t.Fatalf("c2s seqs = %v", got)
	}
	if got := string(p.ClientToServer.Payload()); got != "hello world" {
		t.Fatalf("c2s stream = %q", got)
	}
	if got := string(p.ServerToClient.Payload()); got != "reply" {
		t.Fatalf("s2c stream = %q", got)
	}

	if v := testutil.ToFloat64(m.FramesSeen); v != 10 {
		t.Errorf("frames_total = %v", v)
	}
	if v := testutil.ToFloat64(m.Duplicates.WithLabelValues("syn")); v != 1 {
		t.Errorf("syn duplicates = %v", v)
	}
	if v := testutil.ToFloat64(m.Duplicates.WithLabelValues("data")); v != 1 {
		t.Errorf("data duplicates = %v", v)
	}
	if v := testutil.ToFloat64(m.Duplicates.WithLabelValues("ack")); v != 1 {
		t.Errorf("ack duplicates = %v", v)
	}
	if v := testutil.ToFloat64(m.Flows); v != 2 {
		t.Errorf("flows = %v", v)
	}
	if v := testutil.ToFloat64(m.SessionPairs); v != 1 {
		t.Errorf("pairs = %v", v)
	}
}

func TestReassembleSkipsNoiseAndKillFrame(t *testing.T) {
	pkts := handshakeCapture(t)

	// a UDP datagram in the middle of the capture
	buf := gopacket.NewSerializeBuffer()
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: clientAddr.AsSlice(), DstIP: []byte{8, 8, 8, 8}}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	_ = udp.SetNetworkLayerForChecksum(ip)
	eth := &layers.Ethernet{SrcMAC: []byte{0, 0, 0, 0, 0, 1}, DstMAC: []byte{0, 0, 0, 0, 0, 2}, EthernetType: layers.EthernetTypeIPv4}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, udp, gopacket.Payload("q")); err != nil {
		t.Fatal(err)
	}
	pkts = append(pkts[:3], append([]gopacket.Packet{packet.Decode(buf.Bytes(), pkts[2].Metadata().Timestamp)}, pkts[3:]...)...)

	kill := packet.Template{DstMAC: []byte{0, 0, 0, 3, 2, 1}, Src: ep("10.0.0.5:20"), Dst: ep("10.0.0.1:80"), Flags: packet.SYN}
	pkts = append(pkts, wire(t, kill)...)

	m := NewMetrics(nil)
	res := New(clientAddr, killAddr, logging.Discard(), m).Reassemble(pkts)
	if len(res.Pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(res.Pairs))
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Index != 3 {
		t.Fatalf("skipped = %+v", res.Skipped)
	}
	if v := testutil.ToFloat64(m.FramesSkipped); v != 1 {
		t.Errorf("frames_skipped_total = %v", v)
	}
	if v := testutil.ToFloat64(m.KillFlows); v != 1 {
		t.Errorf("kill_flows_total = %v", v)
	}
}

func TestReassembleEmpty(t *testing.T) {
	res := New(clientAddr, killAddr, nil, nil).Reassemble(nil)
	if res.Pairs == nil || len(res.Pairs) != 0 {
		t.Fatalf("empty capture: %+v", res.Pairs)
	}
	if len(res.Sorted()) != 0 {
		t.Fatal("Sorted on empty result")
	}
}

func TestReassembleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.pcap")
	w, err := capture.Create(path, 65536, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range handshakeCapture(t) {
		if err := w.WritePacket(p.Metadata().CaptureInfo, p.Data()); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	res, err := New(clientAddr, killAddr, logging.Discard(), nil).ReassembleFile(path)
	if err != nil {
		t.Fatalf("ReassembleFile: %v", err)
	}
	sorted := res.Sorted()
	if len(sorted) != 1 || string(sorted[0].ClientToServer.Payload()) != "hello world" {
		t.Fatalf("result = %+v", sorted)
	}
}

// A record cut short by the snap length is skipped as malformed; the rest of
// the capture still reassembles.
func TestReassembleFileSnapTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.pcap")
	w, err := capture.Create(path, 65536, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}
	pkts := handshakeCapture(t)
	long := wire(t, tpl(cli, srv, 2000, 5006, packet.PSH|packet.ACK, string(make([]byte, 100))))[0]
	pkts = append(pkts, long)
	for i, p := range pkts {
		ci, data := p.Metadata().CaptureInfo, p.Data()
		if i == len(pkts)-1 {
			data = data[:60]
			ci.CaptureLength = 60
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	res, err := New(clientAddr, killAddr, logging.Discard(), nil).ReassembleFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Index != len(pkts)-1 || !errors.Is(res.Skipped[0].Err, packet.ErrTruncated) {
		t.Fatalf("skipped = %+v", res.Skipped)
	}
	sorted := res.Sorted()
	if len(sorted) != 1 || string(sorted[0].ClientToServer.Payload()) != "hello world" {
		t.Fatalf("result = %+v", sorted)
	}
}

func TestReassembleFileMissing(t *testing.T) {
	_, err := New(clientAddr, killAddr, logging.Discard(), nil).ReassembleFile(filepath.Join(t.TempDir(), "none.pcap"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestResultSorted(t *testing.T) {
	var tpls []packet.Template
	for _, s := range []string{"93.1.1.3:443", "93.1.1.1:443", "93.1.1.2:443"} {
		tpls = append(tpls, tpl(cli, s, 1, 0, packet.SYN, ""))
	}
	res := New(clientAddr, killAddr, logging.Discard(), nil).Reassemble(wire(t, tpls...))
	var servers []string
	for _, p := range res.Sorted() {
		servers = append(servers, p.Quad.Server.String())
	}
	if !slices.Equal(servers, []string{"93.1.1.1:443", "93.1.1.2:443", "93.1.1.3:443"}) {
		t.Fatalf("sorted servers = %v", servers)
	}
}
