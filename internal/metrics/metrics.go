package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Allocation outcomes used as label values
const (
	OutcomeSegment   = "segment"
	OutcomeWholeFile = "whole_file"
	OutcomeBusy      = "busy"
	OutcomeNoWork    = "no_work"
	OutcomeDone      = "done"
	OutcomePartial   = "partial"
	OutcomeOverlap   = "overlap"
)

// Metrics holds the engine collectors of one queue. A nil *Metrics
// discards every observation.
type Metrics struct {
	AllocationsTotal       *prometheus.CounterVec
	SegmentsCompletedTotal prometheus.Counter
	SegmentsFailedTotal    prometheus.Counter
	DisconnectsTotal       *prometheus.CounterVec
	SourcesRemovedTotal    *prometheus.CounterVec
	SegmentSizeBytes       prometheus.Histogram
	RunningSegments        prometheus.Gauge
	DownloadSpeedBytes     prometheus.Gauge
}

// New creates an unregistered set of collectors
func New() *Metrics {
	return &Metrics{
		AllocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "allocations_total",
			Help:      "Segment allocation requests by outcome.",
		}, []string{"outcome"}),

		SegmentsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "segments_completed_total",
			Help:      "Total number of segments merged into the done set.",
		}),

		SegmentsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "segments_failed_total",
			Help:      "Total number of running segments released without completing.",
		}),

		DisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "disconnects_total",
			Help:      "Connections signalled to disconnect, by cause.",
		}, []string{"cause"}),

		SourcesRemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "sources_removed_total",
			Help:      "Sources moved to the bad list, by reason.",
		}, []string{"reason"}),

		SegmentSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "swarm",
			Name:      "segment_size_bytes",
			Help:      "Size of assigned segments in bytes.",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 10),
		}),

		RunningSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarm",
			Name:      "running_segments",
			Help:      "Number of segments currently being transferred.",
		}),

		DownloadSpeedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarm",
			Name:      "download_speed_bytes",
			Help:      "Current aggregate download speed in bytes per second.",
		}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.AllocationsTotal,
		m.SegmentsCompletedTotal,
		m.SegmentsFailedTotal,
		m.DisconnectsTotal,
		m.SourcesRemovedTotal,
		m.SegmentSizeBytes,
		m.RunningSegments,
		m.DownloadSpeedBytes,
	)
}

// Allocation counts one answer to a ready connection
func (m *Metrics) Allocation(outcome string) {
	if m == nil {
		return
	}
	m.AllocationsTotal.WithLabelValues(outcome).Inc()
}

// SegmentStarted records a newly running segment. Sizes <= 0 are not observed.
func (m *Metrics) SegmentStarted(size int64) {
	if m == nil {
		return
	}
	m.RunningSegments.Inc()
	if size > 0 {
		m.SegmentSizeBytes.Observe(float64(size))
	}
}

// SegmentReleased records a running segment leaving the running set
func (m *Metrics) SegmentReleased() {
	if m == nil {
		return
	}
	m.RunningSegments.Dec()
}

func (m *Metrics) SegmentCompleted() {
	if m == nil {
		return
	}
	m.SegmentsCompletedTotal.Inc()
}

func (m *Metrics) SegmentFailed() {
	if m == nil {
		return
	}
	m.SegmentsFailedTotal.Inc()
}

func (m *Metrics) Disconnect(cause string) {
	if m == nil {
		return
	}
	m.DisconnectsTotal.WithLabelValues(cause).Inc()
}

func (m *Metrics) SourceRemoved(reason string) {
	if m == nil {
		return
	}
	m.SourcesRemovedTotal.WithLabelValues(reason).Inc()
}

// SetSpeed publishes the aggregate speed in bytes per second
func (m *Metrics) SetSpeed(bps float64) {
	if m == nil {
		return
	}
	m.DownloadSpeedBytes.Set(bps)
}
