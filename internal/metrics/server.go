package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the package-wide Prometheus registry every M2M metric
// registers against. Kept separate from prometheus.DefaultRegisterer so
// tests can spin up isolated hub/agent instances without collector
// collisions.
var Registry = prometheus.NewRegistry()

const namespace = "m2m"

// Handler returns an HTTP handler exposing Registry in OpenMetrics/text
// exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer starts a standalone metrics HTTP server at addr, serving only
// /metrics. Blocks until the listener fails.
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
