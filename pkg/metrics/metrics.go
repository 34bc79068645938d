package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dynsidecar"

// Collectors holds the control plane metrics on their own registry
type Collectors struct {
	registry *prometheus.Registry

	monitorCycles     prometheus.Counter
	skippedReconciles prometheus.Counter
	reconcileDuration prometheus.Histogram
	handlerActions    *prometheus.CounterVec
	monitoredServices prometheus.Gauge
	statusReplies     *prometheus.CounterVec
	engineCalls       *prometheus.CounterVec
	serviceOperations *prometheus.CounterVec
}

func NewCollectors() *Collectors {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collectors{
		registry: registry,
		monitorCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_cycles_total",
			Help:      "Reconciliation cycles run by the monitor",
		}),
		skippedReconciles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_skipped_reconciliations_total",
			Help:      "Reconciliations skipped because the previous one was still running",
		}),
		reconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_reconcile_duration_seconds",
			Help:      "Time to reconcile one service",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		}),
		handlerActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_handler_actions_total",
			Help:      "Handler actions run, by handler and result",
		}, []string{"handler", "result"}),
		monitoredServices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitored_services",
			Help:      "Dynamic services currently monitored",
		}),
		statusReplies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_replies_total",
			Help:      "Status replies served, by service state",
		}, []string{"state"}),
		engineCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_calls_total",
			Help:      "Container engine calls, by operation and result",
		}, []string{"operation", "result"}),
		serviceOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_operations_total",
			Help:      "Start and stop requests, by operation and result",
		}, []string{"operation", "result"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collectors) ObserveCycle(scheduled, skipped int) {
	c.monitorCycles.Inc()
	c.skippedReconciles.Add(float64(skipped))
}

func (c *Collectors) ObserveReconcile(duration time.Duration) {
	c.reconcileDuration.Observe(duration.Seconds())
}

func (c *Collectors) ObserveHandler(handler string, err error) {
	c.handlerActions.WithLabelValues(handler, result(err)).Inc()
}

func (c *Collectors) SetMonitoredServices(count int) {
	c.monitoredServices.Set(float64(count))
}

func (c *Collectors) ObserveStatusReply(state string) {
	c.statusReplies.WithLabelValues(state).Inc()
}

func (c *Collectors) ObserveEngineCall(operation string, err error) {
	c.engineCalls.WithLabelValues(operation, result(err)).Inc()
}

func (c *Collectors) ObserveServiceOperation(operation string, err error) {
	c.serviceOperations.WithLabelValues(operation, result(err)).Inc()
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
