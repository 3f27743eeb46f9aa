package localapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"codedeck/internal/docstore"
	"codedeck/internal/protocol"
)

func (s *Server) registerFileRoutes() {
	s.mux.HandleFunc("GET /api/v1/projects/{id}/files", s.handleFilesList)
	s.mux.HandleFunc("POST /api/v1/projects/{id}/files", s.handleFileCreate)
	s.mux.HandleFunc("GET /api/v1/files/{id}", s.handleFileGet)
	s.mux.HandleFunc("PUT /api/v1/files/{id}", s.handleFileUpdate)
}

func (s *Server) handleFilesList(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if !s.projectExists(w, r, projectID) {
		return
	}
	records, err := s.deps.Store.List(r.Context(), docstore.CollectionFiles, docstore.Filter{ProjectID: projectID})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "FILES_LIST_FAILED", err.Error())
		return
	}
	respondOK(w, records)
}

func (s *Server) handleFileCreate(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if !s.projectExists(w, r, projectID) {
		return
	}
	var req struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "INVALID_FILE", "name is required")
		return
	}
	fileID, err := s.deps.Store.Append(r.Context(), docstore.CollectionFiles, map[string]any{
		"project_id": projectID,
		"name":       req.Name,
		"content":    req.Content,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "FILE_CREATE_FAILED", err.Error())
		return
	}
	s.logger.Info("file created", "project_id", projectID, "file_id", fileID, "name", req.Name)
	s.publishChange(protocol.TopicFileCreated, protocol.ChangePayload{ProjectID: projectID, FileID: fileID, Name: req.Name})
	respondOK(w, map[string]any{"file_id": fileID, "name": req.Name})
}

func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	record, found, err := s.deps.Store.Fetch(r.Context(), docstore.CollectionFiles, fileID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "FILE_FETCH_FAILED", err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "FILE_NOT_FOUND", "file not found")
		return
	}
	respondOK(w, record)
}

func (s *Server) handleFileUpdate(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	var req struct {
		Content *string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.Content == nil {
		respondError(w, http.StatusBadRequest, "INVALID_FILE", "content is required")
		return
	}
	record, found, err := s.deps.Store.Fetch(r.Context(), docstore.CollectionFiles, fileID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "FILE_FETCH_FAILED", err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "FILE_NOT_FOUND", "file not found")
		return
	}
	if err := s.deps.Store.Write(r.Context(), docstore.CollectionFiles, fileID, map[string]any{
		"content": *req.Content,
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "FILE_UPDATE_FAILED", err.Error())
		return
	}
	s.publishChange(protocol.TopicFileUpdated, protocol.ChangePayload{ProjectID: record.Str("project_id"), FileID: fileID})
	respondOK(w, map[string]any{"file_id": fileID})
}

// projectExists writes the error response itself when the project is missing.
func (s *Server) projectExists(w http.ResponseWriter, r *http.Request, projectID string) bool {
	_, found, err := s.deps.Store.Fetch(r.Context(), docstore.CollectionProjects, projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "PROJECT_FETCH_FAILED", err.Error())
		return false
	}
	if !found {
		respondError(w, http.StatusNotFound, "PROJECT_NOT_FOUND", "project not found")
		return false
	}
	return true
}
