package metrics

import (
	"net/http"

	ocprom "contrib.go.opencensus.io/exporter/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats/view"
)

// RegisterPrometheusExporter builds an opencensus-to-prometheus bridge
// registered with view, and returns its http.Handler for the caller to
// mount on a metrics endpoint (e.g. /metrics). Views created by
// NewInt64Counter/NewTimerMs before this call are exported once
// registered; views registered afterward are picked up automatically
// since the exporter reads from the shared view registry.
func RegisterPrometheusExporter(namespace string) (http.Handler, error) {
	exporter, err := ocprom.NewExporter(ocprom.Options{
		Namespace: namespace,
		Registry:  prometheus.NewRegistry(),
	})
	if err != nil {
		return nil, err
	}
	view.RegisterExporter(exporter)
	return exporter, nil
}
