package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the service exports. A nil *Collector is
// valid and records nothing, which keeps tests free of registry plumbing.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	BookingsTotal     *prometheus.CounterVec
	TransitionsTotal  *prometheus.CounterVec
	NotificationsSent *prometheus.CounterVec

	RemindersScheduled prometheus.Counter
	RemindersCancelled prometheus.Counter
	RemindersFinished  *prometheus.CounterVec
	RemindersClaimed   prometheus.Histogram
	ReminderTick       prometheus.Histogram

	BreakerState *prometheus.GaugeVec
}

func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route", "status"}),

		InFlightGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		BookingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "requests_total",
			Help:      "Booking attempts by outcome (created, conflict, invalid, error).",
		}, []string{"outcome"}),

		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "transitions_total",
			Help:      "Appointment state machine actions by outcome.",
		}, []string{"action", "outcome"}),

		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "messages_total",
			Help:      "Immediate notifications by kind and result.",
		}, []string{"kind", "result"}),

		RemindersScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "scheduled_total",
			Help:      "Reminders created.",
		}),

		RemindersCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "cancelled_total",
			Help:      "Pending reminders cancelled with their appointment.",
		}),

		RemindersFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "finished_total",
			Help:      "Reminders that reached sent or failed.",
		}, []string{"status"}),

		RemindersClaimed: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "claimed_batch_size",
			Help:      "Reminders claimed per scheduler tick.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),

		ReminderTick: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "tick_duration_seconds",
			Help:      "Scheduler tick latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "breaker_state",
			Help:      "Gateway circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
	}
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveRequest(method, route, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, route, status).Inc()
	c.RequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

func (c *Collector) RequestStarted() {
	if c == nil {
		return
	}
	c.InFlightGauge.Inc()
}

func (c *Collector) RequestFinished() {
	if c == nil {
		return
	}
	c.InFlightGauge.Dec()
}

func (c *Collector) Booking(outcome string) {
	if c == nil {
		return
	}
	c.BookingsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) Transition(action, outcome string) {
	if c == nil {
		return
	}
	c.TransitionsTotal.WithLabelValues(action, outcome).Inc()
}

func (c *Collector) Notification(kind string, sent bool) {
	if c == nil {
		return
	}
	result := "sent"
	if !sent {
		result = "failed"
	}
	c.NotificationsSent.WithLabelValues(kind, result).Inc()
}

func (c *Collector) ReminderScheduled() {
	if c == nil {
		return
	}
	c.RemindersScheduled.Inc()
}

func (c *Collector) RemindersCancelledN(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.RemindersCancelled.Add(float64(n))
}

func (c *Collector) ReminderFinished(status string) {
	if c == nil {
		return
	}
	c.RemindersFinished.WithLabelValues(status).Inc()
}

func (c *Collector) Tick(claimed int, d time.Duration) {
	if c == nil {
		return
	}
	c.RemindersClaimed.Observe(float64(claimed))
	c.ReminderTick.Observe(d.Seconds())
}

func (c *Collector) Breaker(name string, state int) {
	if c == nil {
		return
	}
	c.BreakerState.WithLabelValues(name).Set(float64(state))
}
