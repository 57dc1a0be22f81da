// Package metrics holds the prometheus counters savekit updates while it
// manages savepoints and the ambient transaction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of counters exported by a savekit session.
type Metrics struct {
	SavepointsCreated    *prometheus.CounterVec
	SavepointsRolledBack *prometheus.CounterVec
	AmbientFallbacks     *prometheus.CounterVec
	DatabaseFlushes      *prometheus.CounterVec
	ItemsDeferred        prometheus.Counter
}

// New creates the counters and registers them on reg. A nil reg means a
// private registry, which keeps repeated kits in one process from clashing.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		SavepointsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "savekit_savepoints_created_total",
				Help: "Total number of savepoints materialized, labeled by connection alias and node kind.",
			},
			[]string{"alias", "kind"},
		),
		SavepointsRolledBack: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "savekit_savepoints_rolled_back_total",
				Help: "Total number of savepoints rolled back at node teardown, labeled by connection alias and node kind.",
			},
			[]string{"alias", "kind"},
		),
		AmbientFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "savekit_ambient_fallbacks_total",
				Help: "Total number of failed savepoint rollbacks recovered by resetting the ambient transaction.",
			},
			[]string{"alias"},
		),
		DatabaseFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "savekit_database_flushes_total",
				Help: "Total number of table flushes run after transactional tests.",
			},
			[]string{"alias"},
		),
		ItemsDeferred: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "savekit_items_deferred_total",
				Help: "Total number of transactional test items moved to the end of the run.",
			},
		),
	}
}
