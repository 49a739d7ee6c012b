package common

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/do/v2"
)

const metricsNamespace = "kakeru"

// Metrics holds the engine's collectors. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	Registry *prometheus.Registry

	matchesCreated    *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	broadcastFailures *prometheus.CounterVec
	adapterCalls      *prometheus.HistogramVec
}

func NewMetricsService(i do.Injector) (*Metrics, error) {
	metrics := NewMetrics(prometheus.NewRegistry())

	echoService, err := do.Invoke[*EchoService](i)
	if err != nil {
		return nil, err
	}

	echoService.Register(func(e *echo.Echo) {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	})

	return metrics, nil
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Registry: registry,
		matchesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "matches_created_total",
			Help:      "Escrow matches created, by chain.",
		}, []string{"chain"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "match_transitions_total",
			Help:      "Lifecycle transitions committed, by source and target state.",
		}, []string{"from", "to"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "settlements_total",
			Help:      "Settlement attempts, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		broadcastFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_failures_total",
			Help:      "Broadcasts that failed, by classification.",
		}, []string{"class"}),
		adapterCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "adapter_call_seconds",
			Help:      "Chain adapter call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain", "op", "result"}),
	}

	registry.MustRegister(
		m.matchesCreated,
		m.transitions,
		m.settlements,
		m.broadcastFailures,
		m.adapterCalls,
	)

	return m
}

func (m *Metrics) MatchCreated(chain string) {
	if m == nil {
		return
	}

	m.matchesCreated.WithLabelValues(chain).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}

	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Settlement(kind, outcome string) {
	if m == nil {
		return
	}

	m.settlements.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) BroadcastFailure(class string) {
	if m == nil {
		return
	}

	m.broadcastFailures.WithLabelValues(class).Inc()
}

func (m *Metrics) AdapterCall(chain, op string, started time.Time, err error) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	m.adapterCalls.WithLabelValues(chain, op, result).Observe(time.Since(started).Seconds())
}
