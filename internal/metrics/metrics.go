// Package metrics defines the narrow Metrics capability interface (C18)
// that the gas optimizer and the Engine depend on, plus a prometheus.Registry
// backed implementation and a no-op stub for tests and components that
// are constructed without a registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the full set of observability hooks components may call.
// Keeping this as an interface (rather than handing every component a
// *prometheus.Registry directly) means unit tests never need a real
// registry and components never import prometheus themselves.
type Metrics interface {
	SetGasPrice(chain string, gwei float64)
	SetQueueSize(size int)
	SetQueuePaused(paused bool)
	SetBreakerState(chain string, state string)
	SetInFlight(count int)
	SetHealthyProviderCount(count int)
	IncCounter(name string, labels ...string)
	ObserveLatencyMs(name string, ms float64, labels ...string)
}

// Registry is the production Metrics implementation, wrapping a
// dedicated prometheus.Registry (never the global DefaultRegisterer, so
// multiple Engine instances in the same process — e.g. in tests — never
// collide on metric registration).
type Registry struct {
	reg *prometheus.Registry

	gasPrice            *prometheus.GaugeVec
	queueSize           prometheus.Gauge
	queuePaused         prometheus.Gauge
	breakerState        *prometheus.GaugeVec
	inFlight            prometheus.Gauge
	healthyProviders    prometheus.Gauge

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	hists    map[string]*prometheus.HistogramVec
}

// New constructs a Registry and registers its fixed gauge set. Counters
// and histograms are created lazily per distinct name on first use,
// since the full set of operational counters (SPEC_FULL.md §3's
// ExecutionStats fields) is large and largely mechanical.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		gasPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbexec_gas_price_gwei",
			Help: "Current reference gas price per chain, in gwei.",
		}, []string{"chain"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbexec_queue_size",
			Help: "Current execution queue depth.",
		}),
		queuePaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbexec_queue_paused",
			Help: "1 if the execution queue is effectively paused, else 0.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbexec_circuit_breaker_state",
			Help: "Circuit breaker state per chain (0=closed,1=half-open,2=open).",
		}, []string{"chain"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbexec_in_flight_executions",
			Help: "Number of executions currently in flight.",
		}),
		healthyProviders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbexec_healthy_providers",
			Help: "Count of chains with a currently healthy RPC provider.",
		}),
		counters: make(map[string]*prometheus.CounterVec),
		hists:    make(map[string]*prometheus.HistogramVec),
	}
	reg.MustRegister(r.gasPrice, r.queueSize, r.queuePaused, r.breakerState, r.inFlight, r.healthyProviders)
	return r
}

// Gatherer exposes the underlying registry for wiring into an HTTP
// /metrics handler in cmd/engine.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) SetGasPrice(chain string, gwei float64) {
	r.gasPrice.WithLabelValues(chain).Set(gwei)
}

func (r *Registry) SetQueueSize(size int) { r.queueSize.Set(float64(size)) }

func (r *Registry) SetQueuePaused(paused bool) {
	if paused {
		r.queuePaused.Set(1)
	} else {
		r.queuePaused.Set(0)
	}
}

func (r *Registry) SetBreakerState(chain string, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	default:
		v = 0
	}
	r.breakerState.WithLabelValues(chain).Set(v)
}

func (r *Registry) SetInFlight(count int) { r.inFlight.Set(float64(count)) }

func (r *Registry) SetHealthyProviderCount(count int) { r.healthyProviders.Set(float64(count)) }

func (r *Registry) counterFor(name string, numLabels int) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		labelNames := make([]string, numLabels)
		for i := range labelNames {
			labelNames[i] = "label"
		}
		c = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbexec_" + name + "_total",
			Help: "Counter for " + name + ".",
		}, labelNames)
		r.reg.MustRegister(c)
		r.counters[name] = c
	}
	return c
}

func (r *Registry) IncCounter(name string, labels ...string) {
	r.counterFor(name, len(labels)).WithLabelValues(labels...).Inc()
}

func (r *Registry) histogramFor(name string, numLabels int) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hists[name]
	if !ok {
		labelNames := make([]string, numLabels)
		for i := range labelNames {
			labelNames[i] = "label"
		}
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbexec_" + name + "_ms",
			Help:    "Latency histogram for " + name + " in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}, labelNames)
		r.reg.MustRegister(h)
		r.hists[name] = h
	}
	return h
}

func (r *Registry) ObserveLatencyMs(name string, ms float64, labels ...string) {
	r.histogramFor(name, len(labels)).WithLabelValues(labels...).Observe(ms)
}

type noop struct{}

// Noop returns a Metrics implementation that discards everything, for
// components constructed without a registry (most unit tests).
func Noop() Metrics { return noop{} }

func (noop) SetGasPrice(string, float64)              {}
func (noop) SetQueueSize(int)                         {}
func (noop) SetQueuePaused(bool)                      {}
func (noop) SetBreakerState(string, string)           {}
func (noop) SetInFlight(int)                          {}
func (noop) SetHealthyProviderCount(int)              {}
func (noop) IncCounter(string, ...string)             {}
func (noop) ObserveLatencyMs(string, float64, ...string) {}
