// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package metrics exposes fleet counters and gauges in Prometheus format.
// Counters are fed from the event bus; gauges sample live components at
// scrape time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentfleet/fleetd/pkg/bus"
)

// Metrics holds the fleetd collectors on a private registry so multiple
// instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	executionsTotal *prometheus.CounterVec
	stepsTotal      *prometheus.CounterVec
	spawnTotal      *prometheus.CounterVec
	workersTotal    *prometheus.CounterVec
	tasksTotal      prometheus.Counter
	mailTotal       prometheus.Counter
	blackboardTotal prometheus.Counter

	sub bus.Subscription
	b   *bus.EventBus
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetd_workflow_executions_total",
			Help: "Workflow executions by outcome",
		}, []string{"outcome"}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetd_workflow_steps_total",
			Help: "Workflow step completions by outcome",
		}, []string{"outcome"}),
		spawnTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetd_spawn_requests_total",
			Help: "Spawn queue transitions",
		}, []string{"transition"}),
		workersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetd_workers_total",
			Help: "Worker lifecycle transitions",
		}, []string{"transition"}),
		tasksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_tasks_created_total",
			Help: "Tasks created",
		}),
		mailTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_mail_sent_total",
			Help: "Mail messages sent",
		}),
		blackboardTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_blackboard_posts_total",
			Help: "Blackboard messages posted",
		}),
	}
}

// Observe feeds the counters from bus traffic until Close.
func (m *Metrics) Observe(b *bus.EventBus) {
	m.b = b
	m.sub = b.SubscribeAll(m.handle)
}

func (m *Metrics) Close() {
	if m.b != nil {
		m.b.Unsubscribe(m.sub)
	}
}

func (m *Metrics) handle(ev bus.Event) {
	switch ev.Name {
	case bus.EventWorkflowStarted:
		m.executionsTotal.WithLabelValues("started").Inc()
	case bus.EventWorkflowCompleted:
		m.executionsTotal.WithLabelValues("completed").Inc()
	case bus.EventWorkflowFailed:
		m.executionsTotal.WithLabelValues("failed").Inc()
	case bus.EventWorkflowCancelled:
		m.executionsTotal.WithLabelValues("cancelled").Inc()
	case bus.EventStepCompleted:
		m.stepsTotal.WithLabelValues("completed").Inc()
	case bus.EventStepFailed:
		m.stepsTotal.WithLabelValues("failed").Inc()
	case bus.EventSpawnEnqueued:
		m.spawnTotal.WithLabelValues("enqueued").Inc()
	case bus.EventSpawnApproved:
		m.spawnTotal.WithLabelValues("approved").Inc()
	case bus.EventSpawnRejected:
		m.spawnTotal.WithLabelValues("rejected").Inc()
	case bus.EventWorkerSpawned:
		m.workersTotal.WithLabelValues("spawned").Inc()
	case bus.EventWorkerExit:
		m.workersTotal.WithLabelValues("exited").Inc()
	case bus.EventWorkerDismissed:
		m.workersTotal.WithLabelValues("dismissed").Inc()
	case bus.EventWorkerRestart:
		m.workersTotal.WithLabelValues("restarted").Inc()
	case bus.EventTaskCreated:
		m.tasksTotal.Inc()
	case bus.EventMailSent:
		m.mailTotal.Inc()
	case bus.EventBlackboardPosted:
		m.blackboardTotal.Inc()
	}
}

// RegisterGauge attaches a sampled gauge, such as spawn queue depth or
// active worker count.
func (m *Metrics) RegisterGauge(name, help string, sample func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, sample))
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
