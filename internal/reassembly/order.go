package reassembly

import (
	"cmp"
	"slices"

	"stethoscope/pcapsessions/internal/packet"
)

// Order sorts frames by ascending sequence number, keeping arrival order among
// equal sequence numbers.
//
// Sequence numbers are compared as captured. A connection whose sequence space
// wraps past 2^32 during the capture will be misordered.
func Order(frames []packet.Frame) {
	slices.SortStableFunc(frames, func(a, b packet.Frame) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
}
