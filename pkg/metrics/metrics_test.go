package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentfleet/fleetd/pkg/bus"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestCountersFollowBusEvents(t *testing.T) {
	b := bus.NewEventBus()
	m := New()
	m.Observe(b)
	defer m.Close()

	b.Publish(bus.Event{Name: bus.EventWorkflowStarted})
	b.Publish(bus.Event{Name: bus.EventWorkflowCompleted})
	b.Publish(bus.Event{Name: bus.EventStepCompleted})
	b.Publish(bus.Event{Name: bus.EventStepCompleted})
	b.Publish(bus.Event{Name: bus.EventSpawnEnqueued})
	b.Publish(bus.Event{Name: bus.EventTaskCreated})

	body := scrape(t, m)
	for _, want := range []string{
		`fleetd_workflow_executions_total{outcome="started"} 1`,
		`fleetd_workflow_executions_total{outcome="completed"} 1`,
		`fleetd_workflow_steps_total{outcome="completed"} 2`,
		`fleetd_spawn_requests_total{transition="enqueued"} 1`,
		`fleetd_tasks_created_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestRegisteredGaugeSamplesAtScrape(t *testing.T) {
	m := New()
	depth := 3.0
	m.RegisterGauge("fleetd_spawn_queue_depth", "Pending spawn requests", func() float64 {
		return depth
	})

	if !strings.Contains(scrape(t, m), "fleetd_spawn_queue_depth 3") {
		t.Error("gauge not exported")
	}
	depth = 7
	if !strings.Contains(scrape(t, m), "fleetd_spawn_queue_depth 7") {
		t.Error("gauge did not resample")
	}
}

func TestCloseStopsObserving(t *testing.T) {
	b := bus.NewEventBus()
	m := New()
	m.Observe(b)
	m.Close()

	b.Publish(bus.Event{Name: bus.EventTaskCreated})
	if strings.Contains(scrape(t, m), "fleetd_tasks_created_total 1") {
		t.Error("counter moved after Close")
	}
}
