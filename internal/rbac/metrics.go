package rbac

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	collectionRole = "role"
	collectionUser = "user"
)

// Metrics exposes Prometheus collectors for the resolution cache and engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	reloadErrors  *prometheus.CounterVec
	staleServes   *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	decisions     *prometheus.CounterVec
}

// NewMetrics registers the collectors against registerer, reusing collectors
// that are already registered.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_cache_hits_total",
			Help: "Permission cache lookups served from memory.",
		}, []string{"collection"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_cache_miss_total",
			Help: "Permission cache lookups that required a store reload.",
		}, []string{"collection"}),
		reloadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_cache_reload_errors_total",
			Help: "Store reloads that failed.",
		}, []string{"collection"}),
		staleServes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_cache_stale_serves_total",
			Help: "Lookups answered with the last known value after a failed reload.",
		}, []string{"collection"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_cache_evictions_total",
			Help: "Entries evicted because the cache reached its size bound.",
		}, []string{"collection"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_cache_invalidations_total",
			Help: "Entries invalidated after a permission change.",
		}, []string{"collection"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_decisions_total",
			Help: "Authorization verdicts by decision and reason.",
		}, []string{"decision", "reason"}),
	}
	vecs := []**prometheus.CounterVec{&m.hits, &m.misses, &m.reloadErrors, &m.staleServes, &m.evictions, &m.invalidations, &m.decisions}
	for _, vec := range vecs {
		if err := registerer.Register(*vec); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					*vec = existing
					continue
				}
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) hit(collection string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(collection).Inc()
}

func (m *Metrics) miss(collection string) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(collection).Inc()
}

func (m *Metrics) reloadError(collection string) {
	if m == nil {
		return
	}
	m.reloadErrors.WithLabelValues(collection).Inc()
}

func (m *Metrics) staleServe(collection string) {
	if m == nil {
		return
	}
	m.staleServes.WithLabelValues(collection).Inc()
}

func (m *Metrics) evicted(collection string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.WithLabelValues(collection).Add(float64(n))
}

func (m *Metrics) invalidated(collection string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(collection).Inc()
}

func (m *Metrics) decision(v Verdict) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(v.Decision.String(), v.Reason.String()).Inc()
}
