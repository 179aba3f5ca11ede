// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for scheduler and I/O loop counters.

package control

import (
	"sync"
	"time"
)

// RuntimeSource is anything a MetricsRegistry can sample for a snapshot;
// *scheduler.Scheduler and *iomanager.IOManager both satisfy it via their
// ActiveWorkers/IdleWorkers/QueueLen accessors and IOManager's additional
// PendingEventCount/NextTimeout.
type RuntimeSource interface {
	ActiveWorkers() int32
	IdleWorkers() int32
	QueueLen() int
}

// IOSource extends RuntimeSource with the I/O-specific counters only
// IOManager has.
type IOSource interface {
	RuntimeSource
	PendingEventCount() int64
	NextTimeout() int64
}

// MetricsRegistry holds a point-in-time snapshot of runtime counters,
// refreshed by Sample. Adapted from the teacher's key/value metrics map:
// this variant is typed to the scheduler/iomanager domain rather than
// carrying arbitrary websocket connection metrics.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]int64
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{metrics: make(map[string]int64)}
}

// SampleScheduler records a scheduler's worker/queue counters under the
// given prefix (e.g. "scheduler" or "iomanager").
func (mr *MetricsRegistry) SampleScheduler(prefix string, s RuntimeSource) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.metrics[prefix+".active_workers"] = int64(s.ActiveWorkers())
	mr.metrics[prefix+".idle_workers"] = int64(s.IdleWorkers())
	mr.metrics[prefix+".queue_len"] = int64(s.QueueLen())
	mr.updated = time.Now()
}

// SampleIO additionally records an IOManager's pending-event count and
// next-timer-deadline counters.
func (mr *MetricsRegistry) SampleIO(prefix string, io IOSource) {
	mr.SampleScheduler(prefix, io)
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.metrics[prefix+".pending_events"] = io.PendingEventCount()
	mr.metrics[prefix+".next_timeout_ms"] = io.NextTimeout()
}

// GetSnapshot returns a copy of the latest sampled metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]int64, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}

// LastUpdated reports when the registry was last sampled.
func (mr *MetricsRegistry) LastUpdated() time.Time {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.updated
}
