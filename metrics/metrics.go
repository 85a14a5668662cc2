// Package metrics exposes prometheus collectors for bus and workflow
// activity. All observe helpers are nil-receiver safe so components can
// run without metrics attached.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "slate"

// Metrics bundles the collectors shared by the bus, the engine, and the
// fault handler.
type Metrics struct {
	published       *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	requests        *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	stepRetries     *prometheus.CounterVec
	workflowsActive prometheus.Gauge
}

// New constructs and registers the collectors. A nil registerer uses the
// default registry. Registration of an already-registered collector is
// tolerated so multiple constructions (tests, embedded use) do not panic.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus",
			Name: "messages_published_total",
			Help: "Messages accepted by Publish, by topic.",
		}, []string{"topic"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus",
			Name: "messages_delivered_total",
			Help: "Handler invocations that returned without error.",
		}, []string{"topic", "agent"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus",
			Name: "handler_failures_total",
			Help: "Handler invocations that returned an error.",
		}, []string{"topic", "agent"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus",
			Name: "requests_total",
			Help: "Point-to-point request outcomes (ok, timeout, no_reply).",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "workflow",
			Name:    "step_duration_seconds",
			Help:    "Time from step trigger to completion event.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step", "status"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workflow",
			Name: "step_retries_total",
			Help: "Step executions that required a retry.",
		}, []string{"step"}),
		workflowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "workflow",
			Name: "instances_active",
			Help: "Workflow instances currently RUNNING or PAUSED.",
		}),
	}

	m.published = registerCounterVec(reg, m.published)
	m.delivered = registerCounterVec(reg, m.delivered)
	m.handlerFailures = registerCounterVec(reg, m.handlerFailures)
	m.requests = registerCounterVec(reg, m.requests)
	m.stepDuration = registerHistogramVec(reg, m.stepDuration)
	m.stepRetries = registerCounterVec(reg, m.stepRetries)
	m.workflowsActive = registerGauge(reg, m.workflowsActive)
	return m
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return c
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.HistogramVec)
		}
		panic(err)
	}
	return h
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if err := reg.Register(g); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Gauge)
		}
		panic(err)
	}
	return g
}

// IncPublished counts an accepted publish.
func (m *Metrics) IncPublished(topic string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic).Inc()
}

// IncDelivered counts a successful handler invocation.
func (m *Metrics) IncDelivered(topic, agent string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(topic, agent).Inc()
}

// IncHandlerFailure counts a failed handler invocation.
func (m *Metrics) IncHandlerFailure(topic, agent string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(topic, agent).Inc()
}

// IncRequest counts a request outcome: "ok", "timeout", or "no_reply".
func (m *Metrics) IncRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// ObserveStepDuration records how long a workflow step ran.
func (m *Metrics) ObserveStepDuration(step, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

// IncStepRetry counts a workflow step retry.
func (m *Metrics) IncStepRetry(step string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

// WorkflowStarted and WorkflowFinished track the active-instance gauge.
func (m *Metrics) WorkflowStarted() {
	if m == nil {
		return
	}
	m.workflowsActive.Inc()
}

func (m *Metrics) WorkflowFinished() {
	if m == nil {
		return
	}
	m.workflowsActive.Dec()
}
