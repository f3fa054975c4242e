package entity

import (
	"fmt"
	"github.com/VictoriaMetrics/metrics"
)

// entityMetrics holds the sync counters of one entity. Counters are registered in the
// default VictoriaMetrics set and exposed by the server's /metrics endpoint.
type entityMetrics struct {
	stateApplied       *metrics.Counter
	dataApplied        *metrics.Counter
	orderingViolations *metrics.Counter
}

func newEntityMetrics(name string) *entityMetrics {
	return &entityMetrics{
		stateApplied:       metrics.GetOrCreateCounter(fmt.Sprintf(`dcache_entity_state_sync_applied_total{entity=%q}`, name)),
		dataApplied:        metrics.GetOrCreateCounter(fmt.Sprintf(`dcache_entity_data_sync_applied_total{entity=%q}`, name)),
		orderingViolations: metrics.GetOrCreateCounter(fmt.Sprintf(`dcache_entity_ordering_violations_total{entity=%q}`, name)),
	}
}
