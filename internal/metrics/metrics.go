// Package metrics implements Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChannelCapacity is the configured capacity of each pipeline channel
	ChannelCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tap_channel_capacity",
			Help: "Configured capacity of a pipeline channel",
		},
		[]string{"channel"},
	)

	// ChannelDepth is the number of messages waiting in a channel
	ChannelDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tap_channel_depth",
			Help: "Current number of queued messages in a pipeline channel",
		},
		[]string{"channel"},
	)

	// ChannelWatermark is the highest depth since the last monitor tick
	ChannelWatermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tap_channel_watermark",
			Help: "Highest queue depth of a pipeline channel since the last monitor tick",
		},
		[]string{"channel"},
	)

	// ChannelMessagesTotal counts messages accepted by a channel
	ChannelMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_channel_messages_total",
			Help: "Total number of messages accepted by a pipeline channel",
		},
		[]string{"channel"},
	)

	// ChannelBytesTotal counts payload bytes accepted by a channel
	ChannelBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_channel_bytes_total",
			Help: "Total number of bytes accepted by a pipeline channel",
		},
		[]string{"channel"},
	)

	// ChannelErrorsTotal counts messages dropped because a channel was full
	ChannelErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_channel_errors_total",
			Help: "Total number of messages dropped on a full or closed pipeline channel",
		},
		[]string{"channel"},
	)

	// BrokerDropsTotal counts frames the brokers discarded, by reason
	BrokerDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_broker_drops_total",
			Help: "Total number of frames discarded by a broker",
		},
		[]string{"broker", "reason"},
	)

	// TableSize tracks the number of entries held by a session table
	TableSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tap_table_size",
			Help: "Current number of entries in a session table",
		},
		[]string{"table"},
	)

	// Gauges holds free-form gauges set by table metric calculations
	Gauges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tap_gauge",
			Help: "Named gauge recorded by the tap core",
		},
		[]string{"name"},
	)

	// Counters holds free-form counters incremented by the tap core
	Counters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_counter_total",
			Help: "Named counter recorded by the tap core",
		},
		[]string{"name"},
	)

	// Timers measures named durations
	Timers = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tap_timer_seconds",
			Help:    "Named durations recorded by the tap core in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 24), // 1µs to ~8s
		},
		[]string{"name"},
	)

	// ReportsTotal counts report submissions by path and result
	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_reports_total",
			Help: "Total number of report submissions",
		},
		[]string{"path", "result"},
	)

	// PanicsTotal counts recovered panics by component
	PanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_panics_total",
			Help: "Total number of panics recovered inside a processing boundary",
		},
		[]string{"component"},
	)

	// ProcessedTotal counts messages handled by processor lanes
	ProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_processed_total",
			Help: "Total number of messages handled by a processor",
		},
		[]string{"processor"},
	)
)

// Report result labels
const (
	ReportResultOK    = "ok"
	ReportResultError = "error"
)

// SetGauge sets the named gauge.
func SetGauge(name string, v float64) {
	Gauges.WithLabelValues(name).Set(v)
}

// IncCounter increments the named counter.
func IncCounter(name string) {
	Counters.WithLabelValues(name).Inc()
}

// RecordTimer observes d under the named timer.
func RecordTimer(name string, d time.Duration) {
	Timers.WithLabelValues(name).Observe(d.Seconds())
}

// Since observes the time elapsed since start under the named timer.
func Since(name string, start time.Time) {
	RecordTimer(name, time.Since(start))
}
