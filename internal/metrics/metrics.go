// Package metrics exposes Prometheus collectors for relay operations.
// Metrics are purely observational: a registration failure is logged and
// the collector is skipped, never fatal to the relay.
package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	Connections       *prometheus.CounterVec
	AuthOutcomes      *prometheus.CounterVec
	RateLimitRejects  *prometheus.CounterVec
	MuxFrames         *prometheus.CounterVec
	PairingOutcomes   *prometheus.CounterVec
}

// New builds and registers the relay's collectors. Registration errors
// are logged; the returned Metrics is always usable (un-registered
// collectors simply won't be scraped).
func New(logger *slog.Logger) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total WebSocket connections accepted, by peer kind.",
		}, []string{"kind"}),
		AuthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_outcomes_total",
			Help: "Auth state machine outcomes, by peer kind and result.",
		}, []string{"kind", "result"}),
		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by route.",
		}, []string{"route"}),
		MuxFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_mux_frames_total",
			Help: "Mux frames forwarded, by direction.",
		}, []string{"direction"}),
		PairingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_pairing_outcomes_total",
			Help: "Pairing engine outcomes.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		m.Connections, m.AuthOutcomes, m.RateLimitRejects, m.MuxFrames, m.PairingOutcomes,
	} {
		if err := reg.Register(c); err != nil {
			logger.Error("metrics: failed to register collector", "error", err)
		}
	}

	return m
}
