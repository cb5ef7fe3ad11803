// Package metrics exposes the store's prometheus instrumentation on a
// private registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector of one store instance.
type Metrics struct {
	registry *prometheus.Registry

	PutsTotal        prometheus.Counter
	DeletesTotal     prometheus.Counter
	GetsTotal        prometheus.Counter
	ScansTotal       prometheus.Counter
	FlushesTotal     prometheus.Counter
	CompactionsTotal prometheus.Counter

	MemtableBytes prometheus.Gauge
	LevelTables   *prometheus.GaugeVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		PutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_puts_total",
			Help: "Total insert operations",
		}),
		DeletesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_deletes_total",
			Help: "Total delete operations",
		}),
		GetsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_gets_total",
			Help: "Total point lookups",
		}),
		ScansTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_scans_total",
			Help: "Total range scans",
		}),
		FlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_flushes_total",
			Help: "Total memtable flushes",
		}),
		CompactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_compactions_total",
			Help: "Total compactions",
		}),
		MemtableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lsmkv_memtable_bytes",
			Help: "Estimated size of the active memtable",
		}),
		LevelTables: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lsmkv_level_tables",
			Help: "Number of live SSTables per level",
		}, []string{"level"}),
	}
}

// Registry returns the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
