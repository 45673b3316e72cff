// Package metrics exposes the process's operational counters through a
// dedicated Prometheus registry, with a JSON view for the default API
// response.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every metric the process exports.
type Registry struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	wsClients    *prometheus.GaugeVec

	taskQueueDepth prometheus.Gauge
	tasksRunning   prometheus.Gauge
	sshPoolSize    prometheus.Gauge
}

// New builds the registry with process and Go runtime collectors included.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		reg: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsdeck_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "path", "status"}),
		wsClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opsdeck_ws_clients",
			Help: "Connected WebSocket clients per server.",
		}, []string{"server"}),
		taskQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsdeck_task_queue_depth",
			Help: "Tasks waiting in the engine queue.",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsdeck_tasks_running",
			Help: "Tasks currently executing.",
		}),
		sshPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsdeck_ssh_pool_size",
			Help: "Cached SSH clients in the pool.",
		}),
	}
	reg.MustRegister(r.httpRequests, r.wsClients, r.taskQueueDepth, r.tasksRunning, r.sshPoolSize)
	return r
}

// ObserveRequest records one finished HTTP request.
func (r *Registry) ObserveRequest(method, path string, status int) {
	r.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

// SetWSClients records the current client count of a WebSocket server.
func (r *Registry) SetWSClients(server string, n int) {
	r.wsClients.WithLabelValues(server).Set(float64(n))
}

// SetEngineGauges records the task engine's observable counters.
func (r *Registry) SetEngineGauges(queueDepth int, running int64) {
	r.taskQueueDepth.Set(float64(queueDepth))
	r.tasksRunning.Set(float64(running))
}

// SetSSHPoolSize records the pool's cached client count.
func (r *Registry) SetSSHPoolSize(n int) {
	r.sshPoolSize.Set(float64(n))
}

// Handler serves the Prometheus text exposition for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// JSON renders a flat name → value view of the registry for the default
// (non-Prometheus) metrics response. Vector metrics are summed.
func (r *Registry) JSON() map[string]float64 {
	out := make(map[string]float64)
	families, err := r.reg.Gather()
	if err != nil {
		return out
	}
	for _, family := range families {
		var sum float64
		for _, m := range family.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
		out[family.GetName()] = sum
	}
	return out
}
