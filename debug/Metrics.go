/*
File Name:  Metrics.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

Prometheus gauges tracking live connection counts per class. Wired as a
Connection Table listener rather than polled, so the gauge always reflects
the most recent mutation without a background scrape loop of its own.
*/

package debug

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	core "github.com/tamthanh0424/brunet"
)

type metricsSet struct {
	registry    *prometheus.Registry
	connections *prometheus.GaugeVec
}

func newMetricsSet() *metricsSet {
	registry := prometheus.NewRegistry()

	connections := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "brunet",
		Subsystem: "overlay",
		Name:      "connections",
		Help:      "Current number of neighbor connections by class.",
	}, []string{"class"})

	registry.MustRegister(connections)

	return &metricsSet{registry: registry, connections: connections}
}

func (m *metricsSet) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsSet) onConnect(conn *core.Connection) {
	m.connections.WithLabelValues(conn.Class.String()).Inc()
}

func (m *metricsSet) onDisconnect(conn *core.Connection) {
	m.connections.WithLabelValues(conn.Class.String()).Dec()
}
