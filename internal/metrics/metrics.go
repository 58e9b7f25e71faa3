package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fire results.
const (
	FireExecuted     = "executed"
	FireLaunchFailed = "launch_failed"
	FireSkipped      = "skipped"
	FireMarkFailed   = "mark_failed"
)

// Delivery operations.
const (
	OpSchedule = "schedule"
	OpCancel   = "cancel"
)

// Metrics holds the daemon's collectors. A nil *Metrics records nothing,
// so components can be built without a registry (tests).
type Metrics struct {
	created          prometheus.Counter
	conflicts        prometheus.Counter
	cancellations    prometheus.Counter
	fires            *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	pending          prometheus.GaugeFunc
}

// New builds the collectors. pending may be nil; it is sampled on scrape.
func New(pending func() int) *Metrics {
	if pending == nil {
		pending = func() int { return 0 }
	}
	return &Metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "applaunch",
			Subsystem: "schedule",
			Name:      "created_total",
			Help:      "Number of schedules created.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "applaunch",
			Subsystem: "schedule",
			Name:      "conflicts_total",
			Help:      "Creates and updates rejected by the buffer window.",
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "applaunch",
			Subsystem: "schedule",
			Name:      "cancellations_total",
			Help:      "Number of schedules cancelled.",
		}),
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "applaunch",
			Subsystem: "schedule",
			Name:      "fires_total",
			Help:      "Fire handler outcomes.",
		}, []string{"result"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "applaunch",
			Subsystem: "deferred",
			Name:      "delivery_failures_total",
			Help:      "Deferred backend calls that failed after retries.",
		}, []string{"op"}),
		pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "applaunch",
			Subsystem: "deferred",
			Name:      "pending",
			Help:      "Deferred tasks currently queued.",
		}, func() float64 { return float64(pending()) }),
	}
}

// Register registers all collectors with r. Collectors that are already
// registered are kept, so calling it twice is harmless.
func (m *Metrics) Register(r prometheus.Registerer) error {
	if m == nil || r == nil {
		return nil
	}
	cs := []prometheus.Collector{m.created, m.conflicts, m.cancellations, m.fires, m.deliveryFailures, m.pending}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves the metrics of g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) IncCreated() {
	if m != nil {
		m.created.Inc()
	}
}

func (m *Metrics) IncConflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}

func (m *Metrics) IncCancelled() {
	if m != nil {
		m.cancellations.Inc()
	}
}

func (m *Metrics) IncFire(result string) {
	if m != nil {
		m.fires.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncDeliveryFailure(op string) {
	if m != nil {
		m.deliveryFailures.WithLabelValues(op).Inc()
	}
}
