package common

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunMetricsServer serves the Prometheus scrape endpoint on its own listener,
// kept off the API port so scrapes never compete with uploads. It blocks.
func RunMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
