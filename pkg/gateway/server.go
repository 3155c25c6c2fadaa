// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package gateway is the HTTP and WebSocket surface of the coordination
// core. Handlers decode, call a service, and map the typed error back to a
// status code; no domain rules live here.
package gateway

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentfleet/fleetd/pkg/blackboard"
	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/logger"
	"github.com/agentfleet/fleetd/pkg/mail"
	"github.com/agentfleet/fleetd/pkg/metrics"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/spawn"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/task"
	"github.com/agentfleet/fleetd/pkg/trigger"
	"github.com/agentfleet/fleetd/pkg/workflow"
	"github.com/agentfleet/fleetd/pkg/workitem"
)

// serverVersion is set by the caller (main.go) via SetVersion.
var serverVersion = "dev"

func SetVersion(v string) {
	serverVersion = v
}

// Services bundles the domain services the gateway fronts.
type Services struct {
	Tasks       *task.Service
	WorkItems   *workitem.Service
	Mail        *mail.Service
	Blackboard  *blackboard.Service
	Spawner     *spawn.Controller
	Registry    *registry.Registry
	Workflows   *workflow.Service
	Engine      *workflow.Engine
	Triggers    *trigger.Matcher
	Checkpoints store.CheckpointStore
	Metrics     *metrics.Metrics
}

type Server struct {
	cfg  *config.Config
	auth *Authenticator
	svc  Services
	hub  *Hub
	http *http.Server
}

func NewServer(cfg *config.Config, auth *Authenticator, svc Services, b *bus.EventBus) *Server {
	s := &Server{
		cfg:  cfg,
		auth: auth,
		svc:  svc,
		hub:  NewHub(auth, b),
	}
	s.http = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler assembles the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public surface.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /auth", s.handleAuth)
	mux.HandleFunc("POST /webhooks/{id}", s.handleWebhook)
	if s.svc.Metrics != nil {
		mux.Handle("GET /metrics", s.svc.Metrics.Handler())
	}
	mux.HandleFunc("/ws", s.hub.HandleUpgrade)

	// Authenticated surface.
	api := http.NewServeMux()
	api.HandleFunc("POST /tasks", s.handleCreateTask)
	api.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	api.HandleFunc("PATCH /tasks/{id}", s.handleUpdateTask)
	api.HandleFunc("GET /teams/{team}/tasks", s.handleTeamTasks)

	api.HandleFunc("POST /workitems", s.handleCreateWorkItem)
	api.HandleFunc("GET /workitems", s.handleListWorkItems)
	api.HandleFunc("GET /workitems/{id}", s.handleGetWorkItem)
	api.HandleFunc("PATCH /workitems/{id}", s.handleUpdateWorkItem)
	api.HandleFunc("GET /workitems/{id}/events", s.handleWorkItemEvents)

	api.HandleFunc("POST /batches", s.handleCreateBatch)
	api.HandleFunc("GET /batches/{id}", s.handleGetBatch)
	api.HandleFunc("POST /batches/{id}/items", s.handleAddToBatch)
	api.HandleFunc("POST /batches/{id}/dispatch", s.handleDispatchBatch)

	api.HandleFunc("POST /mail", s.handleSendMail)
	api.HandleFunc("GET /mail/{handle}", s.handleInbox)
	api.HandleFunc("GET /mail/{handle}/unread", s.handleUnread)
	api.HandleFunc("POST /mail/{id}/read", s.handleMarkMailRead)

	api.HandleFunc("POST /handoffs", s.handleCreateHandoff)
	api.HandleFunc("GET /handoffs/{handle}", s.handleListHandoffs)
	api.HandleFunc("POST /handoffs/{id}/decide", s.handleDecideHandoff)

	api.HandleFunc("POST /blackboard", s.handlePostBlackboard)
	api.HandleFunc("GET /blackboard/{swarmId}", s.handleReadBlackboard)
	api.HandleFunc("POST /blackboard/mark-read", s.handleBlackboardMarkRead)
	api.HandleFunc("POST /blackboard/archive", s.handleBlackboardArchive)
	api.HandleFunc("POST /blackboard/{swarmId}/archive-old", s.handleBlackboardArchiveOld)
	api.HandleFunc("GET /blackboard/{swarmId}/unread-count", s.handleBlackboardUnreadCount)

	api.HandleFunc("POST /spawn-queue", s.handleEnqueueSpawn)
	api.HandleFunc("GET /spawn-queue/status", s.handleSpawnStatus)
	api.HandleFunc("DELETE /spawn-queue/{id}", s.handleCancelSpawn)

	api.HandleFunc("POST /workflows", s.handleCreateWorkflow)
	api.HandleFunc("GET /workflows", s.handleListWorkflows)
	api.HandleFunc("GET /workflows/{id}", s.handleGetWorkflow)
	api.HandleFunc("PATCH /workflows/{id}", s.handleUpdateWorkflow)
	api.HandleFunc("DELETE /workflows/{id}", s.handleDeleteWorkflow)
	api.HandleFunc("POST /workflows/{id}/start", s.handleStartWorkflow)

	api.HandleFunc("GET /executions", s.handleListExecutions)
	api.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	api.HandleFunc("GET /executions/{id}/steps", s.handleListSteps)
	api.HandleFunc("POST /executions/{id}/pause", s.handlePauseExecution)
	api.HandleFunc("POST /executions/{id}/resume", s.handleResumeExecution)
	api.HandleFunc("POST /executions/{id}/cancel", s.handleCancelExecution)
	api.HandleFunc("POST /steps/{id}/retry", s.handleRetryStep)
	api.HandleFunc("POST /steps/{id}/complete", s.handleCompleteStep)

	api.HandleFunc("POST /triggers", s.handleCreateTrigger)
	api.HandleFunc("GET /triggers", s.handleListTriggers)
	api.HandleFunc("POST /triggers/{id}/enable", s.handleEnableTrigger)
	api.HandleFunc("POST /triggers/{id}/disable", s.handleDisableTrigger)
	api.HandleFunc("DELETE /triggers/{id}", s.handleDeleteTrigger)

	api.HandleFunc("GET /checkpoints/{handle}", s.handleListCheckpoints)
	api.HandleFunc("POST /checkpoints/{id}/accept", s.handleAcceptCheckpoint)
	api.HandleFunc("POST /checkpoints/{id}/reject", s.handleRejectCheckpoint)

	// Orchestration requires the team-lead role.
	orch := http.NewServeMux()
	orch.HandleFunc("POST /orchestrate/spawn", s.handleOrchestrateSpawn)
	orch.HandleFunc("POST /orchestrate/dismiss/{handle}", s.handleOrchestrateDismiss)
	orch.HandleFunc("GET /orchestrate/workers", s.handleOrchestrateWorkers)
	api.Handle("/orchestrate/", RequireTeamLead(orch))

	mux.Handle("/", s.auth.RequireAuth(api))

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit.RequestsPerSecond), s.cfg.RateLimit.Burst)
	return CORS(s.cfg.Server.CORSOrigins, RateLimit(limiter, mux))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("gateway", "listening", map[string]any{"addr": s.http.Addr})
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

func (s *Server) Shutdown() error {
	s.hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: serverVersion})
}
