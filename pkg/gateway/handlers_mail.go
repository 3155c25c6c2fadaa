package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/agentfleet/fleetd/pkg/blackboard"
	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/mail"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Server) handleSendMail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      string `json:"to"`
		Subject string `json:"subject,omitempty"`
		Body    string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m, err := s.svc.Mail.Send(r.Context(), actorFrom(r), identity.Handle(req.To), req.Subject, req.Body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.svc.Mail.Inbox(r.Context(), identity.Handle(r.PathValue("handle")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.svc.Mail.Unread(r.Context(), identity.Handle(r.PathValue("handle")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMarkMailRead(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Mail.MarkRead(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCreateHandoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      string          `json:"to"`
		Reason  string          `json:"reason,omitempty"`
		Context json.RawMessage `json:"context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h, err := s.svc.Mail.CreateHandoff(r.Context(), mail.HandoffRequest{
		From:    actorFrom(r),
		To:      identity.Handle(req.To),
		Reason:  req.Reason,
		Context: req.Context,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleListHandoffs(w http.ResponseWriter, r *http.Request) {
	hs, err := s.svc.Mail.ListHandoffs(r.Context(), identity.Handle(r.PathValue("handle")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hs)
}

func (s *Server) handleDecideHandoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h, err := s.svc.Mail.DecideHandoff(r.Context(), r.PathValue("id"), req.Accept)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handlePostBlackboard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SwarmID      string          `json:"swarmId"`
		MessageType  string          `json:"messageType,omitempty"`
		Priority     string          `json:"priority,omitempty"`
		TargetHandle string          `json:"targetHandle,omitempty"`
		Payload      json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg, err := s.svc.Blackboard.Post(r.Context(), blackboard.PostRequest{
		SwarmID:      identity.SwarmID(req.SwarmID),
		SenderHandle: actorFrom(r),
		MessageType:  store.MessageType(req.MessageType),
		Priority:     store.Priority(req.Priority),
		TargetHandle: identity.Handle(req.TargetHandle),
		Payload:      req.Payload,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleReadBlackboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unreadOnly, _ := strconv.ParseBool(q.Get("unreadOnly"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	msgs, err := s.svc.Blackboard.Read(r.Context(), identity.SwarmID(r.PathValue("swarmId")), store.BlackboardFilter{
		MessageType:  store.MessageType(q.Get("messageType")),
		Priority:     store.Priority(q.Get("priority")),
		UnreadOnly:   unreadOnly,
		ReaderHandle: identity.Handle(q.Get("readerHandle")),
		Limit:        limit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleBlackboardMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs    []string `json:"ids"`
		Reader string   `json:"readerHandle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reader := identity.Handle(req.Reader)
	if reader == "" {
		reader = actorFrom(r)
	}
	if err := s.svc.Blackboard.MarkRead(r.Context(), req.IDs, reader); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleBlackboardArchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.Blackboard.Archive(r.Context(), req.IDs); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleBlackboardArchiveOld(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAgeMs int64 `json:"maxAgeMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	n, err := s.svc.Blackboard.ArchiveOlderThan(r.Context(), identity.SwarmID(r.PathValue("swarmId")), time.Duration(req.MaxAgeMs)*time.Millisecond)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"archived": n})
}

func (s *Server) handleBlackboardUnreadCount(w http.ResponseWriter, r *http.Request) {
	reader := identity.Handle(r.URL.Query().Get("readerHandle"))
	if reader == "" {
		reader = actorFrom(r)
	}
	n, err := s.svc.Blackboard.UnreadCount(r.Context(), identity.SwarmID(r.PathValue("swarmId")), reader)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}
