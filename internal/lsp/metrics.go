package lsp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes client activity as prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	notifications *prometheus.CounterVec
	registrations prometheus.Gauge
	restarts      prometheus.Counter
	state         *prometheus.GaugeVec
}

// NewMetrics creates the client collectors and registers them with reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer, name string) *Metrics {
	labels := prometheus.Labels{"client": name}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "lspclient",
			Name:        "requests_total",
			Help:        "Requests sent to the language server by method and outcome.",
			ConstLabels: labels,
		}, []string{"method", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "lspclient",
			Name:        "notifications_total",
			Help:        "Notifications sent to the language server by method.",
			ConstLabels: labels,
		}, []string{"method"}),
		registrations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "lspclient",
			Name:        "registrations",
			Help:        "Active dynamic registrations.",
			ConstLabels: labels,
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "lspclient",
			Name:        "restarts_total",
			Help:        "Automatic restarts after the connection closed.",
			ConstLabels: labels,
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "lspclient",
			Name:        "state",
			Help:        "1 for the current public client state, 0 otherwise.",
			ConstLabels: labels,
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.notifications, m.registrations, m.restarts, m.state)
	}
	return m
}

func (m *Metrics) request(method string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) notification(method string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(method).Inc()
}

func (m *Metrics) registered(delta int) {
	if m == nil {
		return
	}
	m.registrations.Add(float64(delta))
}

func (m *Metrics) resetRegistrations() {
	if m == nil {
		return
	}
	m.registrations.Set(0)
}

func (m *Metrics) restarted() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

func (m *Metrics) setState(state State) {
	if m == nil {
		return
	}
	for _, s := range []State{StateStopped, StateStarting, StateStartFailed, StateRunning} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s.String()).Set(v)
	}
}
