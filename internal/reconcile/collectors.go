package reconcile

import "github.com/prometheus/client_golang/prometheus"

type collectors struct {
	synced   prometheus.Counter
	failed   prometheus.Counter
	cycles   *prometheus.CounterVec
	duration prometheus.Histogram
	cleaned  prometheus.Counter
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		synced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley", Subsystem: "reconcile", Name: "synced_total",
			Help: "Messages written to the archive (including already-present no-ops).",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley", Subsystem: "reconcile", Name: "failed_total",
			Help: "Messages that could not be written to the archive.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley", Subsystem: "reconcile", Name: "cycles_total",
			Help: "Reconciliation cycles by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "parley", Subsystem: "reconcile", Name: "cycle_duration_seconds",
			Help:    "Wall time of completed reconciliation cycles.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		cleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley", Subsystem: "reconcile", Name: "expired_sessions_total",
			Help: "Session index entries dropped because their record expired.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.synced, c.failed, c.cycles, c.duration, c.cleaned)
	}
	return c
}
