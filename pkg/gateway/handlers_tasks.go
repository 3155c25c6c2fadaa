package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/task"
)

type AuthRequest struct {
	Handle    string `json:"handle"`
	TeamName  string `json:"teamName"`
	AgentType string `json:"agentType"`
}

type AuthResponse struct {
	UID       string `json:"uid"`
	Token     string `json:"token"`
	Handle    string `json:"handle"`
	TeamName  string `json:"teamName"`
	AgentType string `json:"agentType"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, token, err := s.auth.Issue(r.Context(), identity.Handle(req.Handle), identity.TeamName(req.TeamName), req.AgentType)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{
		UID:       string(u.UID),
		Token:     token,
		Handle:    string(u.Handle),
		TeamName:  string(u.TeamName),
		AgentType: u.AgentType,
	})
}

type CreateTaskRequest struct {
	TeamName    string   `json:"teamName"`
	OwnerHandle string   `json:"ownerHandle,omitempty"`
	Subject     string   `json:"subject"`
	Description string   `json:"description,omitempty"`
	BlockedBy   []string `json:"blockedBy,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	claims, _ := ClaimsFrom(r.Context())
	team := identity.TeamName(req.TeamName)
	if team == "" && claims != nil {
		team = identity.TeamName(claims.TeamName)
	}
	var createdBy identity.Handle
	if claims != nil {
		createdBy = identity.Handle(claims.Handle)
	}
	t, err := s.svc.Tasks.Create(r.Context(), task.CreateRequest{
		TeamName:    team,
		OwnerHandle: identity.Handle(req.OwnerHandle),
		CreatedBy:   createdBy,
		Subject:     req.Subject,
		Description: req.Description,
		BlockedBy:   req.BlockedBy,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t, err := s.svc.Tasks.UpdateStatus(r.Context(), r.PathValue("id"), store.TaskStatus(req.Status))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTeamTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.Tasks.ListByTeam(r.Context(), identity.TeamName(r.PathValue("team")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}
