package localapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"codedeck/internal/docstore"
	"codedeck/internal/protocol"
)

// seedFileName and seedFileContent populate every new project with a first
// file so the editor always has something to open.
const (
	seedFileName    = "main.py"
	seedFileContent = "# Start coding here!"
)

func (s *Server) registerProjectRoutes() {
	s.mux.HandleFunc("GET /api/v1/projects", s.handleProjectsList)
	s.mux.HandleFunc("POST /api/v1/projects", s.handleProjectCreate)
	s.mux.HandleFunc("GET /api/v1/projects/{id}", s.handleProjectGet)
}

func (s *Server) handleProjectsList(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Store.List(r.Context(), docstore.CollectionProjects, docstore.Filter{})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "PROJECTS_LIST_FAILED", err.Error())
		return
	}
	respondOK(w, records)
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		OwnerID string `json:"owner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PROJECT", "name is required")
		return
	}
	projectID, err := s.deps.Store.Append(r.Context(), docstore.CollectionProjects, map[string]any{
		"name":     req.Name,
		"owner_id": req.OwnerID,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "PROJECT_CREATE_FAILED", err.Error())
		return
	}
	fileID, err := s.deps.Store.Append(r.Context(), docstore.CollectionFiles, map[string]any{
		"project_id": projectID,
		"name":       seedFileName,
		"content":    seedFileContent,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "PROJECT_SEED_FAILED", err.Error())
		return
	}
	s.logger.Info("project created", "project_id", projectID, "name", req.Name)
	s.publishChange(protocol.TopicProjectCreated, protocol.ChangePayload{ProjectID: projectID, Name: req.Name})
	respondOK(w, map[string]any{
		"project_id":   projectID,
		"name":         req.Name,
		"seed_file_id": fileID,
	})
}

func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	record, found, err := s.deps.Store.Fetch(r.Context(), docstore.CollectionProjects, projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "PROJECT_FETCH_FAILED", err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "PROJECT_NOT_FOUND", "project not found")
		return
	}
	respondOK(w, record)
}
