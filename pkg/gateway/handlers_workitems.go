package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func actorFrom(r *http.Request) identity.Handle {
	if claims, ok := ClaimsFrom(r.Context()); ok {
		return identity.Handle(claims.Handle)
	}
	return ""
}

func (s *Server) handleCreateWorkItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	item, err := s.svc.WorkItems.Create(r.Context(), req.Title, req.Description, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleListWorkItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.svc.WorkItems.List(r.Context(), store.WorkItemFilter{
		Status:   store.WorkItemStatus(q.Get("status")),
		Assignee: identity.Handle(q.Get("assignee")),
		BatchID:  q.Get("batch"),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.WorkItems.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleUpdateWorkItem covers assignment, status changes, and comments in
// one PATCH, applied in that order.
func (s *Server) handleUpdateWorkItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssignTo string `json:"assignTo,omitempty"`
		Status   string `json:"status,omitempty"`
		Comment  string `json:"comment,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	actor := actorFrom(r)

	if req.AssignTo != "" {
		if _, err := s.svc.WorkItems.Assign(r.Context(), id, identity.Handle(req.AssignTo), actor); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	if req.Status != "" {
		if _, err := s.svc.WorkItems.UpdateStatus(r.Context(), id, store.WorkItemStatus(req.Status), actor, req.Comment); err != nil {
			writeServiceError(w, err)
			return
		}
	} else if req.Comment != "" {
		if err := s.svc.WorkItems.Comment(r.Context(), id, actor, req.Comment); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	item, err := s.svc.WorkItems.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleWorkItemEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.WorkItems.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string   `json:"name"`
		Items []string `json:"items,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	batch, err := s.svc.WorkItems.CreateBatch(r.Context(), req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	for _, itemID := range req.Items {
		if err := s.svc.WorkItems.AddToBatch(r.Context(), itemID, batch.ID); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	batch, err = s.svc.WorkItems.GetBatch(r.Context(), batch.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.svc.WorkItems.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleAddToBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID string `json:"itemId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.WorkItems.AddToBatch(r.Context(), req.ItemID, r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	batch, err := s.svc.WorkItems.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleDispatchBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Worker string `json:"worker"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	batch, err := s.svc.WorkItems.DispatchBatch(r.Context(), r.PathValue("id"), identity.Handle(req.Worker), actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}
