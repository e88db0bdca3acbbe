// Package metrics exposes Prometheus instruments for upstream traffic,
// retries, token refreshes, pagination and the OAuth callback.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "salla_proxy"

// Refresh outcomes
const (
	RefreshSucceeded = "refreshed"
	RefreshRejected  = "rejected"
	RefreshError     = "error"
)

// Metrics holds the proxy's instruments on a private registry
type Metrics struct {
	registry *prometheus.Registry

	upstreamRequests *prometheus.CounterVec
	retries          *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	pagesFetched     prometheus.Histogram
	oauthCallbacks   *prometheus.CounterVec
}

// New creates and registers all instruments
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Requests sent to the upstream API by operation and HTTP status.",
		}, []string{"operation", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retries of upstream calls after 429 or 5xx responses.",
		}, []string{"operation"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Refresh token grants by outcome.",
		}, []string{"outcome"}),
		pagesFetched: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pagination_pages_fetched",
			Help:      "Pages fetched per aggregated list request.",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 50},
		}),
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_callbacks_total",
			Help:      "OAuth callbacks by outcome reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.upstreamRequests,
		m.retries,
		m.refreshes,
		m.pagesFetched,
		m.oauthCallbacks,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) UpstreamRequest(operation string, status int) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(operation, strconv.Itoa(status)).Inc()
}

func (m *Metrics) Retry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PagesFetched(pages int) {
	if m == nil {
		return
	}
	m.pagesFetched.Observe(float64(pages))
}

func (m *Metrics) OAuthCallback(reason string) {
	if m == nil {
		return
	}
	m.oauthCallbacks.WithLabelValues(reason).Inc()
}
