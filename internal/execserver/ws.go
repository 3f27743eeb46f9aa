package execserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"codedeck/internal/protocol"
)

const wsReadLimitBytes int64 = 1 << 20 // 1 MiB

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeEvent(op string, payload any) {
	raw, err := json.Marshal(protocol.NewEvent(fmt.Sprintf("evt_%d", time.Now().UTC().UnixNano()), op, payload))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	c.writeMu.Lock()
	_ = c.conn.Write(ctx, websocket.MessageText, raw)
	c.writeMu.Unlock()
	cancel()
}

// handleWS serves the push binding. Each connection owns the runs it starts:
// run_code begins a run whose events stream back on this connection, and
// send_input feeds a waiting run.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimitBytes)
	peer := &wsConn{conn: conn}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("discarding unparseable ws frame", "error", err)
			continue
		}
		switch msg.Op {
		case protocol.OpRunCode:
			s.wsRunCode(peer, msg.Payload)
		case protocol.OpSendInput:
			s.wsSendInput(peer, msg.Payload)
		default:
			s.logger.Warn("discarding ws frame with unknown op", "op", msg.Op)
		}
	}
}

func (s *Server) wsRunCode(peer *wsConn, payload json.RawMessage) {
	var req protocol.RunCodePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		peer.writeEvent(protocol.OpExecutionError, protocol.ExecutionErrorPayload{Error: "invalid run_code payload"})
		return
	}
	sink := func(runID string, chunks []protocol.Chunk, waiting, exited bool, exitCode int) {
		if len(chunks) > 0 {
			peer.writeEvent(protocol.OpOutput, protocol.OutputPayload{SessionID: runID, Output: chunks})
		}
		if waiting && !exited {
			peer.writeEvent(protocol.OpInputRequired, protocol.SessionRefPayload{SessionID: runID})
		}
		if exited {
			if exitCode == 0 {
				peer.writeEvent(protocol.OpExecutionComplete, protocol.SessionRefPayload{SessionID: runID})
			} else {
				peer.writeEvent(protocol.OpExecutionError, protocol.ExecutionErrorPayload{
					SessionID: runID,
					Error:     "process exited with a non-zero status",
				})
			}
			s.reap(runID)
		}
	}
	runID, state, err := s.registerRun(req.Code, true)
	if err != nil {
		s.logger.Error("run start failed", "error", err)
		peer.writeEvent(protocol.OpExecutionError, protocol.ExecutionErrorPayload{Error: err.Error()})
		return
	}
	s.logger.Info("run started", "run_id", runID, "transport", "ws")

	// session_started must hit the wire before the first run event: the
	// consumer drops frames for runs it has not been told about yet.
	peer.writeEvent(protocol.OpSessionStarted, protocol.SessionRefPayload{SessionID: runID})
	go state.collect(runID, sink)
}

func (s *Server) wsSendInput(peer *wsConn, payload json.RawMessage) {
	var req protocol.SendInputPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		peer.writeEvent(protocol.OpExecutionError, protocol.ExecutionErrorPayload{Error: "invalid send_input payload"})
		return
	}
	state, ok := s.lookup(req.SessionID)
	if !ok || state.isExited() {
		peer.writeEvent(protocol.OpExecutionError, protocol.ExecutionErrorPayload{
			SessionID: req.SessionID,
			Error:     "session not found",
		})
		return
	}
	if err := state.proc.SendInput(req.Input); err != nil {
		s.logger.Error("input delivery failed", "run_id", req.SessionID, "error", err)
		peer.writeEvent(protocol.OpExecutionError, protocol.ExecutionErrorPayload{
			SessionID: req.SessionID,
			Error:     err.Error(),
		})
		return
	}
	state.clearWaiting()
	peer.writeEvent(protocol.OpInputSent, protocol.SessionRefPayload{SessionID: req.SessionID})
}
