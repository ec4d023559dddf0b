// Package metrics wraps the Prometheus collectors exported by the server,
// plus a background sampler of the process's own resource usage.
package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Registry wraps Prometheus collectors used by the storage server.
type Registry struct {
	CurFiles          prometheus.Gauge
	CurBytes          prometheus.Gauge
	PeakFiles         prometheus.Gauge
	PeakBytes         prometheus.Gauge
	ConnectedClients  prometheus.Gauge
	EvictionsTotal    prometheus.Counter
	RequestsTotal     *prometheus.CounterVec
	WorkerQueueDepth  prometheus.Gauge
	ProcessRSSBytes   prometheus.Gauge
	ProcessCPUPercent prometheus.Gauge
}

// NewRegistry creates Prometheus metrics collectors.
func NewRegistry() *Registry {
	return &Registry{
		CurFiles: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fsserver_cur_files",
			Help: "Number of files currently stored",
		}),
		CurBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fsserver_cur_bytes",
			Help: "Total bytes currently stored",
		}),
		PeakFiles: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fsserver_peak_files",
			Help: "Maximum number of files stored since start",
		}),
		PeakBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fsserver_peak_bytes",
			Help: "Maximum total bytes stored since start",
		}),
		ConnectedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fsserver_connected_clients",
			Help: "Number of currently connected clients",
		}),
		EvictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fsserver_evictions_total",
			Help: "Total number of files evicted to satisfy a capacity bound",
		}),
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fsserver_requests_total",
			Help: "Total number of requests handled, by operation and outcome",
		}, []string{"op", "outcome"}),
		WorkerQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fsserver_worker_queue_depth",
			Help: "Current depth of the worker pool's pending task queue",
		}),
		ProcessRSSBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fsserver_process_rss_bytes",
			Help: "Resident set size of the server process",
		}),
		ProcessCPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fsserver_process_cpu_percent",
			Help: "CPU percent consumed by the server process",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// SampleProcess periodically refreshes the process resource gauges using
// gopsutil until stop is closed. It is purely observational: no storage
// component depends on its output.
func (r *Registry) SampleProcess(stop <-chan struct{}, interval time.Duration) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				r.ProcessRSSBytes.Set(float64(mem.RSS))
			}
			if cpu, err := proc.CPUPercent(); err == nil {
				r.ProcessCPUPercent.Set(cpu)
			}
		}
	}
}
