package execserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"codedeck/internal/logging"
	"codedeck/internal/protocol"
)

// Server hosts the execution endpoints. Runs started over HTTP accumulate
// output for status polls; runs started over the websocket stream their
// events to the owning connection.
type Server struct {
	runner Runner
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*runState

	mux *http.ServeMux
}

type Options struct {
	Runner Runner
	Logger *slog.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		runner: opts.Runner,
		logger: logger.With("component", "execserver"),
		runs:   make(map[string]*runState),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /run", s.handleRun)
	s.mux.HandleFunc("GET /status/{id}", s.handleStatus)
	s.mux.HandleFunc("POST /input/{id}", s.handleInput)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// registerRun starts the process and records the run without consuming its
// output yet. The caller decides when collection begins, so it can acknowledge
// the run on the wire before the first event can race ahead of the ack.
func (s *Server) registerRun(code string, push bool) (string, *runState, error) {
	proc, err := s.runner.Start(code)
	if err != nil {
		return "", nil, err
	}
	runID := uuid.NewString()
	state := &runState{proc: proc, push: push}
	s.mu.Lock()
	s.runs[runID] = state
	s.mu.Unlock()
	return runID, state, nil
}

// startRun registers a poll run and begins collecting its output.
func (s *Server) startRun(code string) (string, error) {
	runID, state, err := s.registerRun(code, false)
	if err != nil {
		return "", err
	}
	go state.collect(runID, nil)
	return runID, nil
}

func (s *Server) lookup(runID string) (*runState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.runs[runID]
	return state, ok
}

func (s *Server) reap(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

type runRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "no code provided"})
		return
	}
	runID, err := s.startRun(req.Code)
	if err != nil {
		s.logger.Error("run start failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.logger.Info("run started", "run_id", runID)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": runID, "status": "running"})
}

type statusResponse struct {
	Status          string           `json:"status"`
	Output          []protocol.Chunk `json:"output"`
	WaitingForInput bool             `json:"waiting_for_input"`
	ExitCode        *int             `json:"exit_code,omitempty"`
	Error           string           `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	state, ok := s.lookup(runID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	chunks, waiting, exited, exitCode := state.drain()
	if chunks == nil {
		chunks = []protocol.Chunk{}
	}
	resp := statusResponse{Output: chunks, WaitingForInput: waiting}
	switch {
	case exited && exitCode == 0:
		resp.Status = "completed"
		resp.ExitCode = &exitCode
	case exited:
		resp.Status = "error"
		resp.ExitCode = &exitCode
		resp.Error = "process exited with a non-zero status"
	default:
		resp.Status = "running"
	}
	if exited {
		// completed runs are one-shot: a second status poll is a 404.
		s.reap(runID)
	}
	writeJSON(w, http.StatusOK, resp)
}

type inputRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	state, ok := s.lookup(runID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if state.isExited() {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "session already exited"})
		return
	}
	if err := state.proc.SendInput(req.Input); err != nil {
		s.logger.Error("input delivery failed", "run_id", runID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	state.clearWaiting()
	writeJSON(w, http.StatusOK, map[string]any{"status": "input_sent"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
