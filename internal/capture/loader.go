// Package capture reads and writes stored packet captures (pcap and pcapng).
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"stethoscope/pcapsessions/internal/logging"
)

var ErrUnknownFormat = errors.New("unknown capture format")

const (
	magicPcapngSHB  = 0x0A0D0D0A
	magicMicros     = 0xA1B2C3D4
	magicNanos      = 0xA1B23C4D
	magicMicrosSwap = 0xD4C3B2A1
	magicNanosSwap  = 0x4D3CB2A1
)

// packetReader is what pcapgo's classic and ng readers have in common.
type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// Load reads every packet of the capture at path. Failing to open the file is
// an error. A capture cut off mid-record keeps the packets read so far.
func Load(path string, log logging.Logger) ([]gopacket.Packet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()
	pkts, err := Read(f, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Infof("loaded %d packets from %s", len(pkts), path)
	return pkts, nil
}

// Read decodes a pcap or pcapng stream, picking the format from its magic.
func Read(r io.Reader, log logging.Logger) ([]gopacket.Packet, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil {
		if errors.Is(err, io.EOF) && br.Buffered() == 0 {
			log.Warnf("capture is empty")
			return nil, nil
		}
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var src packetReader
	switch binary.BigEndian.Uint32(head) {
	case magicPcapngSHB:
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("pcapng header: %w", err)
		}
		src = ng
	case magicMicros, magicNanos, magicMicrosSwap, magicNanosSwap:
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("pcap header: %w", err)
		}
		src = pr
	default:
		return nil, fmt.Errorf("%w: magic %x", ErrUnknownFormat, head)
	}

	ps := gopacket.NewPacketSource(src, src.LinkType())
	var out []gopacket.Packet
	for {
		pkt, err := ps.NextPacket()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			log.Warnf("capture ends early after %d packets: %v", len(out), err)
			return out, nil
		}
		out = append(out, pkt)
	}
}
