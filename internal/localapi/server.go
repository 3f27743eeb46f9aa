// Package localapi serves the editor-facing HTTP API: project, session, and
// file CRUD over the document store, plus a websocket hub that mirrors
// document changes to connected editors.
package localapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"codedeck/internal/docstore"
	"codedeck/internal/logging"
	"codedeck/internal/protocol"
)

// DocStore is the slice of the document store the API needs.
type DocStore interface {
	Fetch(ctx context.Context, collection, id string) (docstore.Record, bool, error)
	Write(ctx context.Context, collection, id string, fields map[string]any) error
	Append(ctx context.Context, collection string, fields map[string]any) (string, error)
	List(ctx context.Context, collection string, filter docstore.Filter) ([]docstore.Record, error)
}

type Deps struct {
	Store  DocStore
	Logger *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
	hub    *WSHub
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		deps:   deps,
		logger: logger.With("component", "localapi"),
		mux:    http.NewServeMux(),
		hub:    NewWSHub(),
	}
	s.registerProjectRoutes()
	s.registerFileRoutes()
	s.registerSessionRoutes()
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/ws", s.hub.HandleWS)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"status": "ok"})
}

func (s *Server) publishChange(topic string, change protocol.ChangePayload) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(topic, change)
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
