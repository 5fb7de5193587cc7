package reassembly

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the reassembly counters. Build with NewMetrics; a nil
// Registerer yields working but unregistered collectors.
type Metrics struct {
	FramesSeen    prometheus.Counter
	FramesSkipped prometheus.Counter
	Duplicates    *prometheus.CounterVec
	Flows         prometheus.Counter
	KillFlows     prometheus.Counter
	SessionPairs  prometheus.Counter
	OneSided      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesSeen: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pcapsessions", Subsystem: "reassembly", Name: "frames_total",
			Help: "Capture entries handed to the splitter.",
		}),
		FramesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pcapsessions", Subsystem: "reassembly", Name: "frames_skipped_total",
			Help: "Capture entries that did not parse as TCP frames.",
		}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pcapsessions", Subsystem: "reassembly", Name: "duplicates_removed_total",
			Help: "Frames removed as capture-level duplicates, by class.",
		}, []string{"class"}),
		Flows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pcapsessions", Subsystem: "reassembly", Name: "flows_total",
			Help: "Unidirectional flows found by the splitter.",
		}),
		KillFlows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pcapsessions", Subsystem: "reassembly", Name: "kill_flows_total",
			Help: "Flows to the kill address left out of pairing.",
		}),
		SessionPairs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pcapsessions", Subsystem: "reassembly", Name: "session_pairs_total",
			Help: "Session pairs produced.",
		}),
		OneSided: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pcapsessions", Subsystem: "reassembly", Name: "one_sided_pairs_total",
			Help: "Session pairs with only one captured direction.",
		}),
	}
}
