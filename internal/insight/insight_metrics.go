package insight

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the insight engine and scheduler.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	RunEvidence      prometheus.Histogram
	InsightsCreated  prometheus.Counter
	InsightsUpdated  prometheus.Counter
	DedupeRunsTotal  *prometheus.CounterVec
	DedupeRemoved    prometheus.Counter
	RestoreRowsTotal *prometheus.CounterVec
	TriggersTotal    prometheus.Counter
	TimersSuperseded prometheus.Counter
	TriggersPerRun   prometheus.Histogram
}

// NewMetrics registers and returns insight metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rapport_aggregation_runs_total",
			Help: "Total aggregation runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rapport_aggregation_duration_seconds",
			Help:    "Duration of aggregation runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"outcome"}),
		RunEvidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapport_aggregation_evidence",
			Help:    "Signaled evidence records scanned per run.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1 .. ~262144
		}),
		InsightsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rapport_insights_created_total",
			Help: "Total insights created by aggregation.",
		}),
		InsightsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rapport_insights_updated_total",
			Help: "Total insight updates committed by aggregation.",
		}),
		DedupeRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rapport_dedupe_runs_total",
			Help: "Total dedupe passes by outcome.",
		}, []string{"outcome"}),
		DedupeRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rapport_dedupe_removed_total",
			Help: "Total duplicate insight rows deleted by dedupe.",
		}),
		RestoreRowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rapport_restore_rows_total",
			Help: "Rows seen by restore, by result.",
		}, []string{"result"}),
		TriggersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rapport_triggers_total",
			Help: "Total scheduler triggers.",
		}),
		TimersSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rapport_scheduler_superseded_total",
			Help: "Armed runs cancelled by a newer trigger.",
		}),
		TriggersPerRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapport_scheduler_triggers_per_run",
			Help:    "Triggers coalesced into each scheduled run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunEvidence,
		m.InsightsCreated,
		m.InsightsUpdated,
		m.DedupeRunsTotal,
		m.DedupeRemoved,
		m.RestoreRowsTotal,
		m.TriggersTotal,
		m.TimersSuperseded,
		m.TriggersPerRun,
	)

	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Hooks returns engine Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnRun: func(r *RunReport, err error) {
			o := outcome(err)
			m.RunsTotal.WithLabelValues(o).Inc()
			m.RunDuration.WithLabelValues(o).Observe(r.Duration.Seconds())
			if err != nil {
				return
			}
			m.RunEvidence.Observe(float64(r.Evidence))
			m.InsightsCreated.Add(float64(r.Created))
			m.InsightsUpdated.Add(float64(r.Updated))
		},
		OnDedupe: func(r *DedupeReport, err error) {
			m.DedupeRunsTotal.WithLabelValues(outcome(err)).Inc()
			m.DedupeRemoved.Add(float64(r.Removed))
		},
		OnRestore: func(r *RestoreReport, err error) {
			if err != nil {
				m.RestoreRowsTotal.WithLabelValues("error").Add(float64(r.Received))
				return
			}
			m.RestoreRowsTotal.WithLabelValues("restored").Add(float64(r.Restored))
			m.RestoreRowsTotal.WithLabelValues("existing").Add(float64(r.Existing))
			m.RestoreRowsTotal.WithLabelValues("rejected").Add(float64(r.Rejected))
			m.RestoreRowsTotal.WithLabelValues("emptied").Add(float64(r.Emptied))
			m.RestoreRowsTotal.WithLabelValues("merged").Add(float64(r.Merged))
			m.RestoreRowsTotal.WithLabelValues("dismissed").Add(float64(r.Dismissed))
		},
	}
}

// SchedulerHooks returns SchedulerHooks that update the corresponding metrics.
func (m *Metrics) SchedulerHooks() SchedulerHooks {
	return SchedulerHooks{
		OnTrigger: func(string) {
			m.TriggersTotal.Inc()
		},
		OnSuperseded: func() {
			m.TimersSuperseded.Inc()
		},
		OnFire: func(triggers int) {
			m.TriggersPerRun.Observe(float64(triggers))
		},
	}
}
