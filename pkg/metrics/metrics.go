package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flagsync"

// Recorder holds the counters of one runtime. Each runtime registers its own collectors so
// that several runtimes can live in one process.
type Recorder struct {
	Fetches        *prometheus.CounterVec
	Impressions    *prometheus.CounterVec
	IsolatedErrors *prometheus.CounterVec
	Overrides      prometheus.Counter
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Completed configuration fetch attempts by fetcher status and trigger.",
		}, []string{"status", "trigger"}),
		Impressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "impressions_total",
			Help:      "Flag reads by resolution reason.",
		}, []string{"reason"}),
		IsolatedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolated_errors_total",
			Help:      "Errors raised by user extensions and caught at the isolation boundary.",
		}, []string{"trigger"}),
		Overrides: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_overrides_total",
			Help:      "Override values that could not be parsed into the flag's kind.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.Fetches, r.Impressions, r.IsolatedErrors, r.Overrides)
	}
	return r
}
