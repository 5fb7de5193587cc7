// Package reassembly rebuilds paired, deduplicated and sequence-ordered TCP
// sessions from a finished capture.
//
// The pipeline is Split, then Dedup and Order on every flow, then Pair. It runs
// over a finite in-memory capture; it never reads a capture that is still being
// written.
package reassembly

import (
	"github.com/samber/lo"

	"stethoscope/pcapsessions/internal/flow"
	"stethoscope/pcapsessions/internal/packet"
)

// Flow is every captured frame for one direction of one connection.
type Flow struct {
	Key    flow.Key
	Frames []packet.Frame
}

func (f *Flow) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Frames)
}

// PayloadLen is the total payload carried by the flow's frames.
func (f *Flow) PayloadLen() int {
	if f == nil {
		return 0
	}
	return lo.SumBy(f.Frames, func(fr packet.Frame) int { return len(fr.Payload) })
}

// Payload concatenates frame payloads in their current order. After Dedup and
// Order this is the byte stream a socket reader would have seen, modulo
// segments the capture missed.
func (f *Flow) Payload() []byte {
	if f == nil {
		return nil
	}
	out := make([]byte, 0, f.PayloadLen())
	for _, fr := range f.Frames {
		out = append(out, fr.Payload...)
	}
	return out
}

// Dedup removes capture-level duplicates in place.
func (f *Flow) Dedup() DedupStats {
	var st DedupStats
	f.Frames, st = Dedup(f.Frames)
	return st
}

// Order sorts the frames by sequence number in place.
func (f *Flow) Order() { Order(f.Frames) }

// SessionPair is both directions of one connection. Either flow may be nil when
// the capture holds only one direction, never both.
type SessionPair struct {
	Quad           flow.Quad
	ClientToServer *Flow
	ServerToClient *Flow
}

// Flow returns the flow carrying traffic in dir, or nil.
func (p *SessionPair) Flow(dir flow.Direction) *Flow {
	if dir == flow.DirServerToClient {
		return p.ServerToClient
	}
	return p.ClientToServer
}

func (p *SessionPair) set(dir flow.Direction, f *Flow) {
	if dir == flow.DirServerToClient {
		p.ServerToClient = f
		return
	}
	p.ClientToServer = f
}

// OneSided reports whether only one direction was captured.
func (p *SessionPair) OneSided() bool {
	return p.ClientToServer == nil || p.ServerToClient == nil
}
