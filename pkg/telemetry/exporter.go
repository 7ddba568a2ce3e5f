package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves the Prometheus registry the OTel exporter writes into
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
