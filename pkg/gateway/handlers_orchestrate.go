package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/spawn"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Server) handleEnqueueSpawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetAgentType string   `json:"targetAgentType"`
		Task            string   `json:"task,omitempty"`
		SwarmID         string   `json:"swarmId,omitempty"`
		Priority        string   `json:"priority,omitempty"`
		DepthLevel      int      `json:"depthLevel,omitempty"`
		ParentHandle    string   `json:"parentHandle,omitempty"`
		DependsOn       []string `json:"dependsOn,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sr, err := s.svc.Spawner.Enqueue(r.Context(), spawn.EnqueueRequest{
		RequesterHandle: actorFrom(r),
		TargetAgentType: req.TargetAgentType,
		Task:            req.Task,
		SwarmID:         identity.SwarmID(req.SwarmID),
		Priority:        store.Priority(req.Priority),
		DepthLevel:      req.DepthLevel,
		ParentHandle:    identity.Handle(req.ParentHandle),
		DependsOn:       req.DependsOn,
	})
	if err != nil {
		// Depth and hard-limit rejections persist the request row; return
		// it alongside the error status.
		if sr != nil && (store.IsConflict(err) || store.IsCapacity(err)) {
			status := http.StatusConflict
			if store.IsCapacity(err) {
				status = http.StatusTooManyRequests
			}
			writeJSON(w, status, map[string]any{
				"error":   err.Error(),
				"code":    status,
				"request": sr,
			})
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sr)
}

func (s *Server) handleSpawnStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Spawner.Status(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelSpawn(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Spawner.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleOrchestrateSpawn registers a worker directly, bypassing the queue.
// Team-lead only.
func (s *Server) handleOrchestrateSpawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle       string `json:"handle"`
		TeamName     string `json:"teamName,omitempty"`
		SwarmID      string `json:"swarmId,omitempty"`
		SpawnMode    string `json:"spawnMode,omitempty"`
		DepthLevel   int    `json:"depthLevel,omitempty"`
		ParentHandle string `json:"parentHandle,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	claims, _ := ClaimsFrom(r.Context())
	team := identity.TeamName(req.TeamName)
	if team == "" && claims != nil {
		team = identity.TeamName(claims.TeamName)
	}
	// Direct registrations count against the same slot pool as queue
	// admissions, so the active count stays equal to the live roster.
	if err := s.svc.Spawner.ReserveSlot(); err != nil {
		writeServiceError(w, err)
		return
	}
	worker, err := s.svc.Registry.Register(r.Context(), registry.RegisterSpec{
		Handle:       identity.Handle(req.Handle),
		TeamName:     team,
		SwarmID:      identity.SwarmID(req.SwarmID),
		SpawnMode:    store.SpawnMode(req.SpawnMode),
		DepthLevel:   req.DepthLevel,
		ParentHandle: identity.Handle(req.ParentHandle),
	})
	if err != nil {
		s.svc.Spawner.ReleaseSlot()
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleOrchestrateDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Registry.Dismiss(r.Context(), identity.Handle(r.PathValue("handle"))); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOrchestrateWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var workers []*store.Worker
	switch {
	case q.Get("team") != "":
		workers = s.svc.Registry.ListByTeam(identity.TeamName(q.Get("team")))
	case q.Get("swarm") != "":
		workers = s.svc.Registry.ListBySwarm(identity.SwarmID(q.Get("swarm")))
	default:
		workers = s.svc.Registry.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workers": workers,
		"active":  s.svc.Registry.ActiveCount(),
	})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.svc.Checkpoints.ListCheckpointsFor(r.Context(), identity.Handle(r.PathValue("handle")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleAcceptCheckpoint(w http.ResponseWriter, r *http.Request) {
	s.decideCheckpoint(w, r, store.CheckpointAccepted)
}

func (s *Server) handleRejectCheckpoint(w http.ResponseWriter, r *http.Request) {
	s.decideCheckpoint(w, r, store.CheckpointRejected)
}

func (s *Server) decideCheckpoint(w http.ResponseWriter, r *http.Request, status store.CheckpointStatus) {
	id := r.PathValue("id")
	cp, err := s.svc.Checkpoints.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if cp.Status != store.CheckpointPending {
		writeServiceError(w, &store.ConflictError{Reason: "checkpoint already decided"})
		return
	}
	if err := s.svc.Checkpoints.UpdateCheckpointStatus(r.Context(), id, status, time.Now().UTC()); err != nil {
		writeServiceError(w, err)
		return
	}
	cp, err = s.svc.Checkpoints.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}
