package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentfleet/fleetd/pkg/blackboard"
	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/mail"
	"github.com/agentfleet/fleetd/pkg/metrics"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/spawn"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/store/memory"
	"github.com/agentfleet/fleetd/pkg/task"
	"github.com/agentfleet/fleetd/pkg/trigger"
	"github.com/agentfleet/fleetd/pkg/workflow"
	"github.com/agentfleet/fleetd/pkg/workitem"
)

type testServer struct {
	srv *Server
	ts  *httptest.Server
	bus *bus.EventBus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"
	st := memory.New()
	b := bus.NewEventBus()

	tasks := task.NewService(st, b)
	items := workitem.NewService(st, b)
	mailSvc := mail.NewService(st, b)
	board := blackboard.NewService(st, b)
	reg := registry.New(st, b)
	ctrl := spawn.NewController(st, b, spawn.SpawnerFunc(func(context.Context, *store.SpawnRequest) error {
		return nil
	}), spawn.DefaultLimits())
	reg.OnExit(ctrl.OnWorkerExit)
	engine := workflow.NewEngine(st, st, tasks, ctrl, b)
	m := metrics.New()
	m.Observe(b)

	auth := NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiresIn, st)
	srv := NewServer(cfg, auth, Services{
		Tasks:       tasks,
		WorkItems:   items,
		Mail:        mailSvc,
		Blackboard:  board,
		Spawner:     ctrl,
		Registry:    reg,
		Workflows:   workflow.NewService(st),
		Engine:      engine,
		Triggers:    trigger.NewMatcher(st, engine, b),
		Checkpoints: st,
		Metrics:     m,
	}, b)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{srv: srv, ts: ts, bus: b}
}

func (s *testServer) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, s.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (s *testServer) authenticate(t *testing.T, handle, team, agentType string) (string, string) {
	t.Helper()
	resp, body := s.request(t, http.MethodPost, "/auth", "", map[string]string{
		"handle": handle, "teamName": team, "agentType": agentType,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth status = %d: %v", resp.StatusCode, body)
	}
	return body["token"].(string), body["uid"].(string)
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.request(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthIssuesDeterministicUID(t *testing.T) {
	s := newTestServer(t)
	_, uid1 := s.authenticate(t, "alice", "alpha", "worker")
	_, uid2 := s.authenticate(t, "alice", "alpha", "worker")
	if uid1 != uid2 {
		t.Errorf("re-auth changed uid: %s vs %s", uid1, uid2)
	}
	if len(uid1) != 24 {
		t.Errorf("uid length = %d, want 24", len(uid1))
	}

	resp, _ := s.request(t, http.MethodPost, "/auth", "", map[string]string{
		"handle": "bob", "teamName": "alpha", "agentType": "supervisor",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad agentType status = %d, want 400", resp.StatusCode)
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.request(t, http.MethodGet, "/workitems", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	resp, _ = s.request(t, http.MethodGet, "/workitems", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", resp.StatusCode)
	}
}

func TestOrchestrateRequiresTeamLead(t *testing.T) {
	s := newTestServer(t)
	workerToken, _ := s.authenticate(t, "w1", "alpha", "worker")
	leadToken, _ := s.authenticate(t, "lead", "alpha", "team-lead")

	resp, _ := s.request(t, http.MethodGet, "/orchestrate/workers", workerToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("worker status = %d, want 403", resp.StatusCode)
	}
	resp, _ = s.request(t, http.MethodGet, "/orchestrate/workers", leadToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("lead status = %d, want 200", resp.StatusCode)
	}
}

func TestBlockedTaskResolutionOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.authenticate(t, "lead", "alpha", "team-lead")

	_, a := s.request(t, http.MethodPost, "/tasks", token, map[string]any{
		"subject": "setup",
	})
	aID := a["id"].(string)
	_, b := s.request(t, http.MethodPost, "/tasks", token, map[string]any{
		"subject": "deploy", "blockedBy": []string{aID},
	})
	bID := b["id"].(string)

	resp, body := s.request(t, http.MethodPatch, "/tasks/"+bID, token, map[string]string{"status": "resolved"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("blocked resolve status = %d, want 409", resp.StatusCode)
	}
	if !strings.Contains(body["error"].(string), "blocked by unresolved tasks") {
		t.Errorf("error = %v", body["error"])
	}
	blockedBy, _ := body["blockedBy"].([]any)
	if len(blockedBy) != 1 || blockedBy[0] != aID {
		t.Errorf("blockedBy = %v, want [%s]", blockedBy, aID)
	}

	if resp, _ := s.request(t, http.MethodPatch, "/tasks/"+aID, token, map[string]string{"status": "resolved"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve A status = %d", resp.StatusCode)
	}
	if resp, _ := s.request(t, http.MethodPatch, "/tasks/"+bID, token, map[string]string{"status": "resolved"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("retry resolve B status = %d", resp.StatusCode)
	}
}

func TestNotFoundMapping(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.authenticate(t, "lead", "alpha", "team-lead")
	resp, _ := s.request(t, http.MethodGet, "/tasks/no-such-task", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSpawnDepthRejectionPersistsRequest(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.authenticate(t, "lead", "alpha", "team-lead")

	resp, body := s.request(t, http.MethodPost, "/spawn-queue", token, map[string]any{
		"targetAgentType": "coder", "depthLevel": 7,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	req, ok := body["request"].(map[string]any)
	if !ok {
		t.Fatalf("rejected request row missing: %v", body)
	}
	if req["status"] != "rejected" {
		t.Errorf("request status = %v, want rejected", req["status"])
	}

	resp, status := s.request(t, http.MethodGet, "/spawn-queue/status", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d", resp.StatusCode)
	}
	if status["active"] != float64(0) {
		t.Errorf("active = %v, want 0", status["active"])
	}
}

func TestDirectSpawnCountsAgainstSlots(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.authenticate(t, "lead", "alpha", "team-lead")

	resp, _ := s.request(t, http.MethodPost, "/orchestrate/spawn", token, map[string]any{
		"handle": "direct-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn status = %d", resp.StatusCode)
	}
	resp, status := s.request(t, http.MethodGet, "/spawn-queue/status", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d", resp.StatusCode)
	}
	if status["active"] != float64(1) {
		t.Errorf("active after direct spawn = %v, want 1", status["active"])
	}

	if resp, _ := s.request(t, http.MethodPost, "/orchestrate/dismiss/direct-1", token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("dismiss status = %d", resp.StatusCode)
	}
	resp, status = s.request(t, http.MethodGet, "/spawn-queue/status", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d", resp.StatusCode)
	}
	if status["active"] != float64(0) {
		t.Errorf("active after dismiss = %v, want 0", status["active"])
	}
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.authenticate(t, "lead", "alpha", "team-lead")

	_, wf := s.request(t, http.MethodPost, "/workflows", token, map[string]any{
		"name": "ship",
		"definition": map[string]any{
			"steps": []map[string]any{
				{"key": "a", "type": "task", "config": map[string]any{"assignTo": "w1"}},
				{"key": "b", "type": "task", "dependsOn": []string{"a"}, "config": map[string]any{"assignTo": "w1"}},
			},
		},
	})
	wfID := wf["id"].(string)

	resp, exec := s.request(t, http.MethodPost, "/workflows/"+wfID+"/start", token, map[string]any{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d: %v", resp.StatusCode, exec)
	}
	execID := exec["id"].(string)

	resp, steps := s.request(t, http.MethodGet, "/executions/"+execID+"/steps", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("steps status = %d: %v", resp.StatusCode, steps)
	}

	if resp, _ := s.request(t, http.MethodPost, "/executions/"+execID+"/pause", token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}
	resp, _ = s.request(t, http.MethodPost, "/executions/"+execID+"/pause", token, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double pause status = %d, want 409", resp.StatusCode)
	}
	resp, cancelled := s.request(t, http.MethodPost, "/executions/"+execID+"/cancel", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	if cancelled["status"] != "cancelled" {
		t.Errorf("status = %v, want cancelled", cancelled["status"])
	}
}

func TestRateLimitReturns429(t *testing.T) {
	s := newTestServer(t)
	s.srv.cfg.RateLimit.RequestsPerSecond = 1
	s.srv.cfg.RateLimit.Burst = 2
	limited := httptest.NewServer(s.srv.Handler())
	defer limited.Close()

	var got429 bool
	for i := 0; i < 10; i++ {
		resp, err := http.Get(limited.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("burst of requests never rate limited")
	}
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestBlackboardUnreadFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.authenticate(t, "x", "alpha", "worker")

	var ids []string
	for i := 0; i < 2; i++ {
		resp, msg := s.request(t, http.MethodPost, "/blackboard", token, map[string]any{
			"swarmId": "s1", "messageType": "status", "payload": map[string]any{"n": i},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("post status = %d: %v", resp.StatusCode, msg)
		}
		ids = append(ids, msg["id"].(string))
	}

	resp, _ := s.request(t, http.MethodPost, "/blackboard/mark-read", token, map[string]any{
		"ids": []string{ids[0]}, "readerHandle": "y",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark-read status = %d", resp.StatusCode)
	}

	resp, count := s.request(t, http.MethodGet, "/blackboard/s1/unread-count?readerHandle=y", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unread-count status = %d", resp.StatusCode)
	}
	if count["unread"] != float64(1) {
		t.Errorf("unread = %v, want 1", count["unread"])
	}

	resp, archived := s.request(t, http.MethodPost, "/blackboard/s1/archive-old", token, map[string]any{"maxAgeMs": 0})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive-old status = %d", resp.StatusCode)
	}
	if archived["archived"] != float64(2) {
		t.Errorf("archived = %v, want 2", archived["archived"])
	}
}

func TestWebhookBadSignatureUnauthorized(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.authenticate(t, "lead", "alpha", "team-lead")

	_, wf := s.request(t, http.MethodPost, "/workflows", token, map[string]any{
		"name": "hooked",
		"definition": map[string]any{
			"steps": []map[string]any{{"key": "a", "type": "script", "config": map[string]any{"script": "1"}}},
		},
	})
	_, trg := s.request(t, http.MethodPost, "/triggers", token, map[string]any{
		"workflowId":  wf["id"],
		"triggerType": "webhook",
		"config":      map[string]any{"secret": "hunter2"},
	})

	resp, _ := s.request(t, http.MethodPost, fmt.Sprintf("/webhooks/%s", trg["id"]), "", map[string]any{"x": 1})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
