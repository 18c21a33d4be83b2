package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the background job collectors.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	unknown     *prometheus.GaugeVec
	now         func() time.Time
}

var (
	sharedOnce sync.Once
	shared     *Metrics
)

// NewMetrics registers job collectors on reg. A nil reg returns a process-wide
// instance bound to the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg != nil {
		return register(reg)
	}
	sharedOnce.Do(func() { shared = register(prometheus.DefaultRegisterer) })
	return shared
}

// Tracker times one job run.
type Tracker struct {
	m       *Metrics
	task    string
	started time.Time
}

// Track starts timing a run of task.
func (m *Metrics) Track(task string) *Tracker {
	return &Tracker{m: m, task: task, started: time.Now()}
}

// End records the run outcome and returns err unchanged so handlers can
// `return tracker.End(err)`.
func (t *Tracker) End(err error) error {
	if t == nil || t.m == nil || t.task == "" {
		return err
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	t.m.runs.WithLabelValues(t.task, outcome).Inc()
	t.m.duration.WithLabelValues(t.task).Observe(time.Since(t.started).Seconds())
	if err == nil {
		t.m.lastSuccess.WithLabelValues(t.task).Set(float64(t.m.now().Unix()))
	}
	return err
}

// SetUnknownFunctions replaces the per-role gauge of function keys that are
// not in the catalog. Roles missing from counts are dropped.
func (m *Metrics) SetUnknownFunctions(counts map[string]int) {
	if m == nil {
		return
	}
	m.unknown.Reset()
	for role, n := range counts {
		m.unknown.WithLabelValues(role).Set(float64(n))
	}
}

func register(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_job_runs_total",
			Help: "Background job runs by task type and outcome.",
		}, []string{"task", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_authz_job_duration_seconds",
			Help:    "Background job run time by task type.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}, []string{"task"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odyssey_authz_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per task type.",
		}, []string{"task"}),
		unknown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odyssey_authz_unknown_functions",
			Help: "Function keys granted to a role that are not in the catalog.",
		}, []string{"role"}),
		now: time.Now,
	}
	reg.MustRegister(m.runs, m.duration, m.lastSuccess, m.unknown)
	return m
}
