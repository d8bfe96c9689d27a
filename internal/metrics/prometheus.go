package metrics

import "github.com/prometheus/client_golang/prometheus"

// PrometheusCollectors mirrors Collector's atomic fields as prometheus
// collectors. Registered once at startup and passed to NewCollector so
// every mutator on Collector updates both in lockstep.
type PrometheusCollectors struct {
	SharesOK      prometheus.Counter
	SharesBad     prometheus.Counter
	ClientsActive prometheus.Gauge
	UpConnected   prometheus.Gauge
	LastNotify    prometheus.Gauge
}

// InitPrometheus registers the proxy's prometheus collectors under
// namespace. Safe to call more than once in a process (e.g. across
// tests): an already-registered collector is reused rather than
// panicking.
func InitPrometheus(namespace string) *PrometheusCollectors {
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	pc := &PrometheusCollectors{}

	pc.SharesOK = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_accepted_total",
		Help:      "Total number of accepted shares",
	})).(prometheus.Counter)

	pc.SharesBad = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_rejected_total",
		Help:      "Total number of rejected shares",
	})).(prometheus.Counter)

	pc.ClientsActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients_active_count",
		Help:      "Number of currently connected miners",
	})).(prometheus.Gauge)

	pc.UpConnected = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_connected",
		Help:      "Whether at least one upstream connection is open (1) or not (0)",
	})).(prometheus.Gauge)

	pc.LastNotify = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_job_timestamp_seconds",
		Help:      "Unix timestamp of the last job delivered to any miner",
	})).(prometheus.Gauge)

	return pc
}
