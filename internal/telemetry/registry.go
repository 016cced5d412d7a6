package telemetry

import "github.com/prometheus/client_golang/prometheus"

// NewMetricsRegistry builds a fresh Prometheus registry with the Go/process
// collectors and every forgebay metric, plus any extra collectors the
// caller supplies.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
