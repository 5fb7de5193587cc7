package reassembly

import (
	"stethoscope/pcapsessions/internal/packet"
)

// Class is the duplicate-detection category of a frame.
type Class int

const (
	ClassNone Class = iota
	ClassAck
	ClassData
	ClassSyn
	ClassSynAck
)

func (c Class) String() string {
	switch c {
	case ClassAck:
		return "ack"
	case ClassData:
		return "data"
	case ClassSyn:
		return "syn"
	case ClassSynAck:
		return "synack"
	default:
		return "none"
	}
}

// Classify puts a frame in at most one class. Precedence is pure ACK, data,
// SYN, SYN-ACK; anything else is ClassNone and is never deduplicated.
func Classify(f packet.Frame) Class {
	n := len(f.Payload)
	switch {
	case f.Flags == packet.ACK && n == 0:
		return ClassAck
	case n > 0 && (f.Flags == packet.ACK || f.Flags == packet.PSH|packet.ACK):
		return ClassData
	case f.Flags == packet.SYN && f.Ack == 0:
		return ClassSyn
	case f.Flags == packet.SYN|packet.ACK:
		return ClassSynAck
	default:
		return ClassNone
	}
}

// fingerprint is the equality key of a classified frame. Fields a class does
// not use stay zero, and the class itself keeps the per-class sets disjoint.
type fingerprint struct {
	class    Class
	seq      uint32
	ack      uint32
	checksum uint16
	flags    packet.Flags
}

func fingerprintOf(c Class, f packet.Frame) fingerprint {
	switch c {
	case ClassAck, ClassSynAck:
		return fingerprint{class: c, seq: f.Seq, ack: f.Ack}
	case ClassData:
		return fingerprint{class: c, seq: f.Seq, ack: f.Ack, checksum: f.Checksum, flags: f.Flags}
	default:
		return fingerprint{class: c, seq: f.Seq}
	}
}

// DedupStats counts what Dedup kept and removed.
type DedupStats struct {
	Kept    int
	Removed map[Class]int
}

func (s DedupStats) TotalRemoved() int {
	n := 0
	for _, v := range s.Removed {
		n += v
	}
	return n
}

// Dedup drops frames whose fingerprint was already seen earlier in the same
// flow. The first occurrence wins and input order is preserved.
func Dedup(frames []packet.Frame) ([]packet.Frame, DedupStats) {
	st := DedupStats{Removed: map[Class]int{}}
	seen := make(map[fingerprint]struct{}, len(frames))
	kept := make([]packet.Frame, 0, len(frames))
	for _, f := range frames {
		c := Classify(f)
		if c != ClassNone {
			fp := fingerprintOf(c, f)
			if _, dup := seen[fp]; dup {
				st.Removed[c]++
				continue
			}
			seen[fp] = struct{}{}
		}
		kept = append(kept, f)
	}
	st.Kept = len(kept)
	return kept, st
}
