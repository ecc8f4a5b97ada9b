// Package metrics holds the orchestrator's prometheus collectors (spec
// §4.4 step 5: "contributes to a GRPC duration counter").
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PipResultsLatency observes the gap between a worker timestamping a
	// PipResultsInfo batch just before sending it and the orchestrator
	// reaching ReportPipResults' latency step for that batch, before the
	// batch's pip completions are dispatched.
	PipResultsLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "distbuild",
		Subsystem: "orchestrator",
		Name:      "pip_results_latency_seconds",
		Help:      "End-to-end latency between a worker sending a pip-results batch and the orchestrator processing it.",
		Buckets:   prometheus.DefBuckets,
	})

	// PipsCompletedTotal counts NotifyPipCompletion dispatches, labeled by
	// worker id so a stuck worker is visible per-slot.
	PipsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distbuild",
		Subsystem: "orchestrator",
		Name:      "pips_completed_total",
		Help:      "Pip completions processed per worker.",
	}, []string{"worker_id"})

	// ForwardedEventsTotal counts forwarded log events by the log level
	// they were ultimately recorded at (post downgrade/upgrade decisions).
	ForwardedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distbuild",
		Subsystem: "orchestrator",
		Name:      "forwarded_events_total",
		Help:      "Forwarded worker log events, labeled by the level they were recorded at.",
	}, []string{"level"})

	// SlotsStoppedTotal counts slots that transitioned to Stopped, labeled
	// by stop reason.
	SlotsStoppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distbuild",
		Subsystem: "orchestrator",
		Name:      "slots_stopped_total",
		Help:      "RemoteWorker slots that reached Stopped, labeled by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(PipResultsLatency, PipsCompletedTotal, ForwardedEventsTotal, SlotsStoppedTotal)
}
