package debugger

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	traceSteps      prometheus.Counter
	traceStops      *prometheus.CounterVec
	traceDuration   prometheus.Histogram
	partyRuns       *prometheus.CounterVec
	partyBreakpoint prometheus.Gauge
	recordEnabled   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		traceSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steptrace_trace_steps_total",
			Help: "Total number of elementary steps taken by conditional traces",
		}),
		traceStops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steptrace_trace_stops_total",
				Help: "Total number of finished conditional traces",
			},
			[]string{"reason"},
		),
		traceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "steptrace_trace_duration_seconds",
			Help:    "Duration of conditional traces",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		partyRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steptrace_party_runs_total",
				Help: "Total number of finished runs to party",
			},
			[]string{"party", "result"},
		),
		partyBreakpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "steptrace_party_breakpoints",
			Help: "Number of breakpoints installed by the active run to party",
		}),
		recordEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "steptrace_trace_record_enabled",
			Help: "1 if trace recording is enabled",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.traceSteps, m.traceStops, m.traceDuration, m.partyRuns, m.partyBreakpoint, m.recordEnabled)
	}
	return m
}
