package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orneryd/mindtree/pkg/cache"
)

// RegisterCache exposes relation cache sizes and hit counters. stats is
// called on every scrape.
func RegisterCache(reg prometheus.Registerer, stats func() cache.Stats) error {
	maps := []struct {
		name string
		get  func(cache.Stats) cache.CacheStats
	}{
		{"parent", func(s cache.Stats) cache.CacheStats { return s.Parents }},
		{"out_edges", func(s cache.Stats) cache.CacheStats { return s.OutEdges }},
	}

	var errs []error
	for _, m := range maps {
		labels := prometheus.Labels{"map": m.name}
		get := m.get
		errs = append(errs,
			reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "cache",
				Name:        "entries",
				Help:        "Entries held by the relation cache",
				ConstLabels: labels,
			}, func() float64 { return float64(get(stats()).Size) })),
			reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "cache",
				Name:        "hits_total",
				Help:        "Relation cache hits",
				ConstLabels: labels,
			}, func() float64 { return float64(get(stats()).Hits) })),
			reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "cache",
				Name:        "misses_total",
				Help:        "Relation cache misses",
				ConstLabels: labels,
			}, func() float64 { return float64(get(stats()).Misses) })),
		)
	}
	return errors.Join(errs...)
}
