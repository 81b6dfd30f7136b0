package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics keeps in-memory aggregates next to the Prometheus collectors so
// the CLI can report a snapshot without scraping.
type Metrics struct {
	TotalExecutions  atomic.Int64
	FailedExecutions atomic.Int64
	Interrupts       atomic.Int64
	Stalls           atomic.Int64

	KernelsCreated   atomic.Int64
	KernelsDestroyed atomic.Int64
	PoolHits         atomic.Int64
	PoolMisses       atomic.Int64

	TotalLatencyMs atomic.Int64

	startTime time.Time
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Global returns the process-wide metrics aggregate.
func Global() *Metrics {
	globalOnce.Do(func() {
		global = &Metrics{startTime: time.Now()}
	})
	return global
}

// StartTime returns when the metrics subsystem was initialized.
func StartTime() time.Time {
	return Global().startTime
}

// Snapshot is a point-in-time copy of the aggregates.
type Snapshot struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	TotalExecutions  int64   `json:"total_executions"`
	FailedExecutions int64   `json:"failed_executions"`
	Interrupts       int64   `json:"interrupts"`
	Stalls           int64   `json:"stalls"`
	KernelsCreated   int64   `json:"kernels_created"`
	KernelsDestroyed int64   `json:"kernels_destroyed"`
	PoolHits         int64   `json:"pool_hits"`
	PoolMisses       int64   `json:"pool_misses"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
}

// Snapshot returns the current aggregate values.
func (m *Metrics) Snapshot() Snapshot {
	total := m.TotalExecutions.Load()
	var avg float64
	if total > 0 {
		avg = float64(m.TotalLatencyMs.Load()) / float64(total)
	}
	return Snapshot{
		UptimeSeconds:    time.Since(m.startTime).Seconds(),
		TotalExecutions:  total,
		FailedExecutions: m.FailedExecutions.Load(),
		Interrupts:       m.Interrupts.Load(),
		Stalls:           m.Stalls.Load(),
		KernelsCreated:   m.KernelsCreated.Load(),
		KernelsDestroyed: m.KernelsDestroyed.Load(),
		PoolHits:         m.PoolHits.Load(),
		PoolMisses:       m.PoolMisses.Load(),
		AvgLatencyMs:     avg,
	}
}

// RecordExecution records one finished execution in the aggregates.
func (m *Metrics) RecordExecution(durationMs int64, success bool) {
	m.TotalExecutions.Add(1)
	m.TotalLatencyMs.Add(durationMs)
	if !success {
		m.FailedExecutions.Add(1)
	}
}
