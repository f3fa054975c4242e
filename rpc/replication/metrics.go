package replication

import (
	"fmt"
	"github.com/VictoriaMetrics/metrics"
)

// channelMetrics holds the counters of one side of the replication channel
type channelMetrics struct {
	frames       *metrics.Counter
	bytes        *metrics.Counter
	passesOK     *metrics.Counter
	passesFailed *metrics.Counter
}

func newChannelMetrics(entity, role, direction string) *channelMetrics {
	return &channelMetrics{
		frames:       metrics.GetOrCreateCounter(fmt.Sprintf(`dcache_replication_frames_%s_total{entity=%q}`, direction, entity)),
		bytes:        metrics.GetOrCreateCounter(fmt.Sprintf(`dcache_replication_bytes_%s_total{entity=%q}`, direction, entity)),
		passesOK:     metrics.GetOrCreateCounter(fmt.Sprintf(`dcache_replication_passes_total{entity=%q,role=%q,result="completed"}`, entity, role)),
		passesFailed: metrics.GetOrCreateCounter(fmt.Sprintf(`dcache_replication_passes_total{entity=%q,role=%q,result="failed"}`, entity, role)),
	}
}

// record adds the outcome of one sync pass
func (m *channelMetrics) record(frames int, bytes uint64, err error) {
	m.frames.Add(frames)
	m.bytes.Add(int(bytes))
	if err != nil {
		m.passesFailed.Inc()
	} else {
		m.passesOK.Inc()
	}
}
