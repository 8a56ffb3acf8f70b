package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessionclient"

// Metrics methods are safe to call on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	RefreshTotal   *prometheus.CounterVec
	RefreshWaiters prometheus.Counter
	RetriesTotal   *prometheus.CounterVec
	SessionEnded   *prometheus.CounterVec
	RequestsTotal  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Refresh calls that reached the backend, by result.",
		}, []string{"result"}),
		RefreshWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_shared_total",
			Help:      "Callers that joined a refresh already in flight.",
		}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Requests resent after a 401, by transport.",
		}, []string{"transport"}),
		SessionEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_ended_total",
			Help:      "Authenticated sessions that ended, by reason.",
		}, []string{"reason"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Outbound requests by status class.",
		}, []string{"code"}),
	}
	m.registry.MustRegister(m.RefreshTotal, m.RefreshWaiters, m.RetriesTotal, m.SessionEnded, m.RequestsTotal)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SharedRefresh() {
	if m == nil {
		return
	}
	m.RefreshWaiters.Inc()
}

func (m *Metrics) Retry(transport string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) Ended(reason string) {
	if m == nil {
		return
	}
	m.SessionEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) Request(code string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(code).Inc()
}
