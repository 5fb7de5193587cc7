package reassembly

import (
	"github.com/google/gopacket"

	"stethoscope/pcapsessions/internal/flow"
	"stethoscope/pcapsessions/internal/packet"
)

// Skipped records a capture entry that could not be parsed as a TCP frame.
type Skipped struct {
	Index int
	Err   error
}

// Split groups packets into one flow per directional key. Packets that do not
// parse as TCP are returned in skipped instead of failing the split.
func Split(packets []gopacket.Packet) (flows map[flow.Key]*Flow, skipped []Skipped) {
	flows = make(map[flow.Key]*Flow)
	for i, pkt := range packets {
		fr, err := packet.Parse(pkt, i)
		if err != nil {
			skipped = append(skipped, Skipped{Index: i, Err: err})
			continue
		}
		SplitFrame(flows, fr)
	}
	return flows, skipped
}

// SplitFrame appends an already-parsed frame to its flow.
func SplitFrame(flows map[flow.Key]*Flow, fr packet.Frame) {
	f, ok := flows[fr.Key]
	if !ok {
		f = &Flow{Key: fr.Key}
		flows[fr.Key] = f
	}
	f.Frames = append(f.Frames, fr)
}
