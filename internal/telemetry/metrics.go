package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's collectors on one registry. Each context builds
// its own so tests never collide on the global default registry.
type Metrics struct {
	Registry *prometheus.Registry

	TableSize          prometheus.Gauge
	Evictions          *prometheus.CounterVec
	SuppressedEchoes   prometheus.Counter
	StaleMessages      *prometheus.CounterVec
	ValidationFailures *prometheus.CounterVec
	AppliedMessages    *prometheus.CounterVec
	RejectedWrites     *prometheus.CounterVec
	StorageWrites      *prometheus.CounterVec
	FallbackCleanups   *prometheus.CounterVec
	BroadcastDropped   *prometheus.CounterVec
	MemoryBytes        prometheus.Gauge
	EmergencyShutdowns prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabsync_table_size",
			Help: "Number of quick tab records in the local table",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabsync_evictions_total",
			Help: "Records removed by resource guards",
		}, []string{"reason"}),
		SuppressedEchoes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabsync_suppressed_echoes_total",
			Help: "Storage change events discarded as echoes of this context's own writes",
		}),
		StaleMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabsync_stale_messages_total",
			Help: "Inbound messages ignored because the table already holds a newer version",
		}, []string{"source"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabsync_validation_failures_total",
			Help: "Inbound messages rejected by the schema validator",
		}, []string{"source", "type"}),
		AppliedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabsync_applied_messages_total",
			Help: "Inbound messages applied to the local table",
		}, []string{"source", "type"}),
		RejectedWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabsync_rejected_writes_total",
			Help: "Local or remote writes rejected by ownership or lifecycle rules",
		}, []string{"reason"}),
		StorageWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabsync_storage_writes_total",
			Help: "Durable store writes by outcome",
		}, []string{"outcome"}),
		FallbackCleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabsync_fallback_cleanups_total",
			Help: "Write transactions released by the acknowledgment timeout",
		}, []string{"module"}),
		BroadcastDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabsync_broadcast_dropped_total",
			Help: "Broadcast frames dropped",
		}, []string{"reason"}),
		MemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabsync_memory_bytes",
			Help: "Last sampled memory usage",
		}),
		EmergencyShutdowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabsync_emergency_shutdowns_total",
			Help: "Emergency shutdowns triggered by the memory guard",
		}),
	}
	reg.MustRegister(
		m.TableSize,
		m.Evictions,
		m.SuppressedEchoes,
		m.StaleMessages,
		m.ValidationFailures,
		m.AppliedMessages,
		m.RejectedWrites,
		m.StorageWrites,
		m.FallbackCleanups,
		m.BroadcastDropped,
		m.MemoryBytes,
		m.EmergencyShutdowns,
	)
	return m
}
