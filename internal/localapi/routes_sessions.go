package localapi

import (
	"encoding/json"
	"net/http"

	"codedeck/internal/docstore"
	"codedeck/internal/protocol"
)

func (s *Server) registerSessionRoutes() {
	s.mux.HandleFunc("GET /api/v1/projects/{id}/sessions", s.handleSessionsList)
	s.mux.HandleFunc("POST /api/v1/projects/{id}/sessions", s.handleSessionCreate)
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if !s.projectExists(w, r, projectID) {
		return
	}
	records, err := s.deps.Store.List(r.Context(), docstore.CollectionSessions, docstore.Filter{ProjectID: projectID})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "SESSIONS_LIST_FAILED", err.Error())
		return
	}
	respondOK(w, records)
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if !s.projectExists(w, r, projectID) {
		return
	}
	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	sessionID, err := s.deps.Store.Append(r.Context(), docstore.CollectionSessions, map[string]any{
		"project_id": projectID,
		"owner_id":   req.OwnerID,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "SESSION_CREATE_FAILED", err.Error())
		return
	}
	s.logger.Info("session created", "project_id", projectID, "session_id", sessionID)
	s.publishChange(protocol.TopicSessionCreated, protocol.ChangePayload{ProjectID: projectID, SessionID: sessionID})
	respondOK(w, map[string]any{"session_id": sessionID, "project_id": projectID})
}
