// Package metrics collects and exposes sandbox runtime observability data.
//
// Two stores coexist:
//
//  1. The in-process Metrics struct: atomic counters for a lightweight JSON
//     /metrics summary endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// RecordExecution is called from the dispatcher on every /execute request
// and must be fast: it only does atomic increments and forwards to the
// Prometheus bridge, no locks on the hot path.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects sandbox runtime counters.
type Metrics struct {
	TotalExecutions   atomic.Int64
	SuccessExecutions atomic.Int64
	FailedExecutions  atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	VMsCreated    atomic.Int64
	VMsStopped    atomic.Int64
	VMsCrashed    atomic.Int64
	BorrowTimeout atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1))
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordExecution records an /execute result, labeled by guest language.
func (m *Metrics) RecordExecution(language string, durationMs int64, success bool) {
	m.TotalExecutions.Add(1)
	if success {
		m.SuccessExecutions.Add(1)
	} else {
		m.FailedExecutions.Add(1)
	}
	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	RecordPrometheusExecution(language, durationMs, success)
}

// RecordVMCreated records a new VM boot.
func (m *Metrics) RecordVMCreated() {
	m.VMsCreated.Add(1)
	RecordPrometheusVMCreated()
}

// RecordVMStopped records a VM being stopped.
func (m *Metrics) RecordVMStopped() {
	m.VMsStopped.Add(1)
	RecordPrometheusVMStopped()
}

// RecordVMCrashed records a VM crashing unexpectedly.
func (m *Metrics) RecordVMCrashed() {
	m.VMsCrashed.Add(1)
	RecordPrometheusVMCrashed()
}

// RecordBorrowTimeout records a pool borrow that timed out waiting for a VM.
func (m *Metrics) RecordBorrowTimeout() {
	m.BorrowTimeout.Add(1)
	RecordPrometheusBorrowTimeout()
}

// Snapshot returns a point-in-time summary of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalExecutions.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"executions": map[string]interface{}{
			"total":   total,
			"success": m.SuccessExecutions.Load(),
			"failed":  m.FailedExecutions.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"vms": map[string]interface{}{
			"created":         m.VMsCreated.Load(),
			"stopped":         m.VMsStopped.Load(),
			"crashed":         m.VMsCrashed.Load(),
			"borrow_timeouts": m.BorrowTimeout.Load(),
		},
	}
}

// JSONHandler returns an HTTP handler that exposes a metrics summary in JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
