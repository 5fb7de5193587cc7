package reassembly

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/google/gopacket"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"stethoscope/pcapsessions/internal/capture"
	"stethoscope/pcapsessions/internal/flow"
	"stethoscope/pcapsessions/internal/logging"
)

// Result is the outcome of one reassembly run.
type Result struct {
	RunID   string
	Pairs   map[flow.Quad]*SessionPair
	Skipped []Skipped
}

// Sorted returns the pairs ordered by quad.
func (r Result) Sorted() []*SessionPair {
	out := lo.Values(r.Pairs)
	slices.SortFunc(out, func(a, b *SessionPair) int { return a.Quad.Compare(b.Quad) })
	return out
}

// Reassembler runs split, dedup, order and pair over a finished capture.
type Reassembler struct {
	client  netip.Addr
	kill    netip.Addr
	log     logging.Logger
	metrics *Metrics
}

// New builds a reassembler. client orients quads; flows destined to kill are
// dropped. A nil metrics gets an unregistered set.
func New(client, kill netip.Addr, log logging.Logger, metrics *Metrics) *Reassembler {
	if log == nil {
		log = logging.Discard()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Reassembler{client: client, kill: kill, log: log, metrics: metrics}
}

// ReassembleFile loads the capture at path and reassembles it. Only a failure
// to read the capture is returned as an error.
func (r *Reassembler) ReassembleFile(path string) (Result, error) {
	pkts, err := capture.Load(path, r.log)
	if err != nil {
		return Result{}, fmt.Errorf("reassemble: %w", err)
	}
	return r.Reassemble(pkts), nil
}

// Reassemble runs the pipeline over decoded packets.
func (r *Reassembler) Reassemble(packets []gopacket.Packet) Result {
	res := Result{RunID: uuid.NewString()}
	r.metrics.FramesSeen.Add(float64(len(packets)))

	flows, skipped := Split(packets)
	res.Skipped = skipped
	for _, s := range skipped {
		r.log.Debugf("run=%s skip packet #%d: %v", res.RunID, s.Index, s.Err)
	}
	r.metrics.FramesSkipped.Add(float64(len(skipped)))
	r.metrics.Flows.Add(float64(len(flows)))

	for key, f := range flows {
		st := f.Dedup()
		for class, n := range st.Removed {
			r.metrics.Duplicates.WithLabelValues(class.String()).Add(float64(n))
		}
		if removed := st.TotalRemoved(); removed > 0 {
			r.log.Debugf("run=%s %s: removed %d duplicates, kept %d", res.RunID, key, removed, st.Kept)
		}
		f.Order()
	}

	pairs, pst := Pair(flows, r.client, r.kill)
	res.Pairs = pairs
	r.metrics.KillFlows.Add(float64(pst.KillFlows))
	r.metrics.SessionPairs.Add(float64(len(pairs)))
	oneSided := lo.CountBy(lo.Values(pairs), (*SessionPair).OneSided)
	r.metrics.OneSided.Add(float64(oneSided))

	r.log.Infof("run=%s packets=%d skipped=%d flows=%d pairs=%d one_sided=%d kill_flows=%d",
		res.RunID, len(packets), len(skipped), len(flows), len(pairs), oneSided, pst.KillFlows)
	return res
}
