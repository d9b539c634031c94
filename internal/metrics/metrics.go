package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the attendance agent. It satisfies the
// observer interfaces of the attendance, queue, tracking and connectivity
// packages. A nil *Metrics is a valid no-op.
type Metrics struct {
	Operations    *prometheus.CounterVec
	QueueLen      prometheus.Gauge
	QueueReplays  *prometheus.CounterVec
	LocationTicks prometheus.Counter
	Tracking      prometheus.Gauge
	Online        prometheus.Gauge
}

// New registers every agent metric with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldtrack_attendance_operations_total",
			Help: "Attendance operations by kind and outcome (success, failure, queued)",
		}, []string{"operation", "outcome"}),
		QueueLen: f.NewGauge(prometheus.GaugeOpts{
			Name: "fieldtrack_offline_queue_length",
			Help: "Mutations waiting in the offline queue",
		}),
		QueueReplays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldtrack_offline_queue_replays_total",
			Help: "Offline queue replay attempts by outcome (success, failure, discarded)",
		}, []string{"outcome"}),
		LocationTicks: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldtrack_location_ticks_total",
			Help: "Location points delivered by the background service",
		}),
		Tracking: f.NewGauge(prometheus.GaugeOpts{
			Name: "fieldtrack_tracking_active",
			Help: "1 while background location tracking is running",
		}),
		Online: f.NewGauge(prometheus.GaugeOpts{
			Name: "fieldtrack_api_online",
			Help: "1 while the attendance API is reachable",
		}),
	}
}

// AttendanceOperation records one check-in/check-out outcome.
func (m *Metrics) AttendanceOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
}

// LocationTick counts a delivered location point.
func (m *Metrics) LocationTick() {
	if m == nil {
		return
	}
	m.LocationTicks.Inc()
}

// QueueLength sets the current offline queue length.
func (m *Metrics) QueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLen.Set(float64(n))
}

// QueueReplay records one replay attempt.
func (m *Metrics) QueueReplay(outcome string) {
	if m == nil {
		return
	}
	m.QueueReplays.WithLabelValues(outcome).Inc()
}

// TrackingActive records whether tracking is running.
func (m *Metrics) TrackingActive(active bool) {
	if m == nil {
		return
	}
	m.Tracking.Set(boolValue(active))
}

// Connectivity records API reachability.
func (m *Metrics) Connectivity(online bool) {
	if m == nil {
		return
	}
	m.Online.Set(boolValue(online))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
