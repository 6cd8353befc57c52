package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the sandbox daemon.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	executionsTotal  *prometheus.CounterVec
	vmsCreated       prometheus.Counter
	vmsStopped       prometheus.Counter
	vmsCrashed       prometheus.Counter
	borrowTimeouts   prometheus.Counter

	executionDuration *prometheus.HistogramVec
	vmBootDuration    prometheus.Histogram
	borrowWait        prometheus.Histogram

	uptime      prometheus.GaugeFunc
	poolReady   prometheus.Gauge
	poolInUse   prometheus.Gauge
	poolDead    prometheus.Gauge
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of /execute requests by language and status",
			},
			[]string{"language", "status"},
		),

		vmsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_created_total", Help: "Total VMs booted",
		}),
		vmsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_stopped_total", Help: "Total VMs stopped cleanly",
		}),
		vmsCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_crashed_total", Help: "Total VMs that crashed unexpectedly",
		}),
		borrowTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_borrow_timeouts_total", Help: "Total pool borrows that timed out",
		}),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_milliseconds",
				Help:      "Duration of /execute requests in milliseconds",
				Buckets:   buckets,
			},
			[]string{"language"},
		),

		vmBootDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vm_boot_duration_milliseconds",
			Help:      "Duration of VM boot in milliseconds",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 3000, 5000, 10000},
		}),

		borrowWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_borrow_wait_milliseconds",
			Help:      "Time spent waiting for a VM to become available",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),

		poolReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_ready_vms", Help: "VMs currently idle and ready to borrow",
		}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_in_use_vms", Help: "VMs currently borrowed",
		}),
		poolDead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_dead_vms", Help: "VMs removed from rotation pending replacement",
		}),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 { return time.Since(StartTime()).Seconds() },
	)

	registry.MustRegister(
		pm.executionsTotal,
		pm.vmsCreated,
		pm.vmsStopped,
		pm.vmsCrashed,
		pm.borrowTimeouts,
		pm.executionDuration,
		pm.vmBootDuration,
		pm.borrowWait,
		pm.uptime,
		pm.poolReady,
		pm.poolInUse,
		pm.poolDead,
	)

	promMetrics = pm
}

// RecordPrometheusExecution records an /execute result.
func RecordPrometheusExecution(language string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.executionsTotal.WithLabelValues(language, status).Inc()
	promMetrics.executionDuration.WithLabelValues(language).Observe(float64(durationMs))
}

// RecordPrometheusVMCreated records a VM boot.
func RecordPrometheusVMCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCreated.Inc()
}

// RecordPrometheusVMStopped records a VM stop.
func RecordPrometheusVMStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsStopped.Inc()
}

// RecordPrometheusVMCrashed records a VM crash.
func RecordPrometheusVMCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCrashed.Inc()
}

// RecordPrometheusBorrowTimeout records a pool borrow timeout.
func RecordPrometheusBorrowTimeout() {
	if promMetrics == nil {
		return
	}
	promMetrics.borrowTimeouts.Inc()
}

// RecordVMBootDuration records VM boot time.
func RecordVMBootDuration(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vmBootDuration.Observe(float64(durationMs))
}

// RecordBorrowWait records time spent waiting to borrow a VM.
func RecordBorrowWait(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.borrowWait.Observe(float64(durationMs))
}

// SetPoolOccupancy sets the pool occupancy gauges.
func SetPoolOccupancy(ready, inUse, dead int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolReady.Set(float64(ready))
	promMetrics.poolInUse.Set(float64(inUse))
	promMetrics.poolDead.Set(float64(dead))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
