// Package metrics registers the runtime's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "termrt"

var (
	// Sessions counts terminal sessions by state (running, disconnected).
	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Terminal sessions by state.",
	}, []string{"state"})

	// Tunnels counts reverse tunnels by health state.
	Tunnels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reverse_tunnels",
		Help:      "Reverse tunnels by health state.",
	}, []string{"state"})

	// TunnelTransitions counts reverse tunnel state changes by target state.
	TunnelTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reverse_tunnel_transitions_total",
		Help:      "Reverse tunnel state transitions by new state.",
	}, []string{"state"})

	// Forwards counts port forwards by status.
	Forwards = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "port_forwards",
		Help:      "Port forwards by status.",
	}, []string{"status"})

	FramesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "framer_frames_total",
		Help:      "Synchronized-update frames emitted atomically.",
	})

	ReportsStripped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "framer_cursor_reports_stripped_total",
		Help:      "Cursor position reports removed from terminal output.",
	})

	ForwardedConns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "port_forward_connections_total",
		Help:      "Local connections spliced through port forwards.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetCounts replaces every label value of g with counts. Labels missing from
// counts are reset to zero.
func SetCounts(g *prometheus.GaugeVec, labels []string, counts map[string]int) {
	for _, l := range labels {
		g.WithLabelValues(l).Set(float64(counts[l]))
	}
}
