package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/workflow"
)

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string          `json:"name"`
		Definition json.RawMessage `json:"definition"`
		IsTemplate bool            `json:"isTemplate,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wf, err := s.svc.Workflows.Create(r.Context(), req.Name, req.Definition, req.IsTemplate)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	var isTemplate *bool
	if raw := r.URL.Query().Get("isTemplate"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "isTemplate: must be a boolean")
			return
		}
		isTemplate = &v
	}
	wfs, err := s.svc.Workflows.List(r.Context(), isTemplate)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wfs)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.svc.Workflows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Definition json.RawMessage `json:"definition,omitempty"`
		IsTemplate *bool           `json:"isTemplate,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wf, err := s.svc.Workflows.Update(r.Context(), r.PathValue("id"), req.Definition, req.IsTemplate)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Workflows.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Inputs  map[string]any `json:"inputs,omitempty"`
		SwarmID string         `json:"swarmId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	exec, err := s.svc.Engine.Start(r.Context(), workflow.StartRequest{
		WorkflowID: r.PathValue("id"),
		Inputs:     req.Inputs,
		SwarmID:    identity.SwarmID(req.SwarmID),
		CreatedBy:  actorFrom(r),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	execs, err := s.svc.Engine.ListExecutions(r.Context(), store.ExecutionFilter{
		WorkflowID: q.Get("workflowId"),
		Status:     store.ExecutionStatus(q.Get("status")),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.Engine.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.svc.Engine.ListSteps(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handlePauseExecution(w http.ResponseWriter, r *http.Request) {
	s.execTransition(w, r, s.svc.Engine.Pause)
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	s.execTransition(w, r, s.svc.Engine.Resume)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	s.execTransition(w, r, s.svc.Engine.Cancel)
}

func (s *Server) execTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	exec, err := s.svc.Engine.GetExecution(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Engine.RetryStep(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Output json.RawMessage `json:"output,omitempty"`
		Error  string          `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	applied, err := s.svc.Engine.CompleteStep(r.Context(), r.PathValue("id"), req.Output, req.Error)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowID  string          `json:"workflowId"`
		TriggerType string          `json:"triggerType"`
		Config      json.RawMessage `json:"config"`
		IsEnabled   *bool           `json:"isEnabled,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}
	t, err := s.svc.Triggers.Create(r.Context(), req.WorkflowID, store.TriggerType(req.TriggerType), req.Config, enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	ts, err := s.svc.Triggers.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleEnableTrigger(w http.ResponseWriter, r *http.Request) {
	s.setTriggerEnabled(w, r, true)
}

func (s *Server) handleDisableTrigger(w http.ResponseWriter, r *http.Request) {
	s.setTriggerEnabled(w, r, false)
}

func (s *Server) setTriggerEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if err := s.svc.Triggers.SetEnabled(r.Context(), r.PathValue("id"), enabled); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Triggers.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleWebhook is public; a trigger secret, when set, authenticates the
// caller via the X-Signature header.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	exec, err := s.svc.Triggers.HandleWebhook(r.Context(), r.PathValue("id"), body, r.Header.Get("X-Signature"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}
