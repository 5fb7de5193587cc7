package reassembly

import (
	"net/netip"
	"slices"

	"github.com/samber/lo"

	"stethoscope/pcapsessions/internal/flow"
)

// PairStats counts flows the pairer left out.
type PairStats struct {
	KillFlows int
}

// Pair joins every flow with its opposing flow into one SessionPair per quad.
//
// Flows destined to kill are capture-control traffic and never join a pair,
// not even as the opposing side of another flow. Keys are visited in sorted
// order and both keys of a pair are consumed when it is built, so the result
// does not depend on map iteration order.
func Pair(flows map[flow.Key]*Flow, client, kill netip.Addr) (map[flow.Quad]*SessionPair, PairStats) {
	var st PairStats
	pairs := make(map[flow.Quad]*SessionPair)
	consumed := make(map[flow.Key]struct{}, len(flows))

	isKill := func(k flow.Key) bool { return kill.IsValid() && k.Dst.Addr == kill }

	keys := lo.Keys(flows)
	slices.SortFunc(keys, flow.Key.Compare)

	for _, key := range keys {
		if isKill(key) {
			st.KillFlows++
			continue
		}
		if _, done := consumed[key]; done {
			continue
		}
		quad, dir := flow.QuadFor(key, client)
		if _, exists := pairs[quad]; exists {
			continue
		}

		sp := &SessionPair{Quad: quad}
		sp.set(dir, flows[key])
		consumed[key] = struct{}{}

		opp := key.Opposing()
		if of, ok := flows[opp]; ok && !isKill(opp) {
			sp.set(opposite(dir), of)
			consumed[opp] = struct{}{}
		}
		pairs[quad] = sp
	}
	return pairs, st
}

func opposite(d flow.Direction) flow.Direction {
	if d == flow.DirClientToServer {
		return flow.DirServerToClient
	}
	return flow.DirClientToServer
}
