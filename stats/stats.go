// Package stats exposes the runtime's counters and gauges as
// Prometheus metrics. Grounded on the teacher's stats package shape
// (a flat set of named counters/gauges tracked per process, queried by
// an external collector) with the original NVIDIA-specific StatsD/JSON
// tracker body replaced by github.com/prometheus/client_golang, the
// domain dependency the rest of the example pack (runZeroInc-sockstats'
// exporter) also standardizes on for exactly this kind of socket and
// protocol counter.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats is the process-wide counter/gauge set. Every field is safe for
// concurrent use directly (prometheus metrics already are).
type Stats struct {
	FramesSent         prometheus.Counter
	FramesRecv         prometheus.Counter
	BytesSent          prometheus.Counter
	BytesRecv          prometheus.Counter
	InvalidDataStreams prometheus.Counter
	MonitorOverruns    prometheus.Counter
	SearchRetries      prometheus.Counter
	BeaconsSeen        prometheus.Counter
	OperationsActive   prometheus.Gauge
	ChannelsActive     prometheus.Gauge
	TransportsActive   prometheus.Gauge
}

// New registers every metric against reg (pass prometheus.NewRegistry()
// for an isolated test registry, or prometheus.DefaultRegisterer in a
// real process).
func New(reg prometheus.Registerer) *Stats {
	f := promauto.With(reg)
	const ns = "pva"
	return &Stats{
		FramesSent:         f.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "frames_sent_total", Help: "Application frames written to all transports."}),
		FramesRecv:         f.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "frames_received_total", Help: "Application frames read from all transports."}),
		BytesSent:          f.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "bytes_sent_total", Help: "Raw bytes written to all transports."}),
		BytesRecv:          f.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "bytes_received_total", Help: "Raw bytes read from all transports."}),
		InvalidDataStreams: f.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "invalid_data_streams_total", Help: "Frame headers that failed validation and closed their transport."}),
		MonitorOverruns:    f.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "monitor_overruns_total", Help: "Monitor updates merged into an existing queued element because the ready queue was full."}),
		SearchRetries:      f.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "search_retries_total", Help: "UDP search requests retransmitted by the backoff timer."}),
		BeaconsSeen:        f.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "beacons_seen_total", Help: "Beacon datagrams observed, including rebroadcasts."}),
		OperationsActive:   f.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "operations_active", Help: "Operations with an ioid currently registered."}),
		ChannelsActive:     f.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "channels_active", Help: "Channels with a cid/sid currently registered."}),
		TransportsActive:   f.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "transports_active", Help: "TCP transports currently in the VERIFIED state."}),
	}
}
