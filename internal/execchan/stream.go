package execchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"codedeck/internal/logging"
	"codedeck/internal/protocol"
)

var ErrStartTimeout = errors.New("backend did not acknowledge run start")

const defaultStartTimeout = 10 * time.Second

// StreamChannel is the push binding: a long-lived bidirectional connection
// delivers execution events as they occur. Run ids on this wire equal the
// session id the backend echoes back.
type StreamChannel struct {
	sock   Socket
	logger *slog.Logger
	events chan Event

	startTimeout time.Duration

	mu        sync.Mutex
	activeRun string
	pending   chan pendingStart
	closed    bool

	bgCancel  context.CancelFunc
	readDone  chan struct{}
	seq       atomic.Uint64
	closeOnce sync.Once
}

type pendingStart struct {
	runID string
	err   error
}

func NewStreamChannel(sock Socket, logger *slog.Logger) *StreamChannel {
	if logger == nil {
		logger = logging.Discard()
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	c := &StreamChannel{
		sock:         sock,
		logger:       logger,
		events:       make(chan Event, 64),
		startTimeout: defaultStartTimeout,
		bgCancel:     cancel,
		readDone:     make(chan struct{}),
	}
	go c.readLoop(bgCtx)
	return c
}

// DialStream connects a websocket and wraps it in a StreamChannel.
func DialStream(ctx context.Context, dialer Dialer, url string, logger *slog.Logger) (*StreamChannel, error) {
	sock, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewStreamChannel(sock, logger), nil
}

func (c *StreamChannel) Events() <-chan Event { return c.events }

func (c *StreamChannel) StartRun(ctx context.Context, sessionID, code string) (string, error) {
	if isBlank(code) {
		return "", ErrNoCode
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrChannelClosed
	}
	if c.activeRun != "" || c.pending != nil {
		c.mu.Unlock()
		return "", ErrRunActive
	}
	pending := make(chan pendingStart, 1)
	c.pending = pending
	c.mu.Unlock()

	msg := protocol.Message{
		ID:      fmt.Sprintf("req_%d", c.seq.Add(1)),
		Type:    "req",
		Op:      protocol.OpRunCode,
		Payload: protocol.MustRaw(protocol.RunCodePayload{SessionID: sessionID, Code: code}),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		c.clearPending()
		return "", err
	}
	if err := c.sock.WriteText(ctx, string(raw)); err != nil {
		c.clearPending()
		return "", err
	}

	timer := time.NewTimer(c.startTimeout)
	defer timer.Stop()
	select {
	case res := <-pending:
		if res.err != nil {
			return "", res.err
		}
		return res.runID, nil
	case <-timer.C:
		c.clearPending()
		return "", ErrStartTimeout
	case <-ctx.Done():
		c.clearPending()
		return "", ctx.Err()
	}
}

func (c *StreamChannel) SubmitInput(ctx context.Context, runID, input string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.activeRun != runID {
		c.mu.Unlock()
		return fmt.Errorf("run %s is not active", runID)
	}
	c.mu.Unlock()

	msg := protocol.Message{
		ID:      fmt.Sprintf("req_%d", c.seq.Add(1)),
		Type:    "req",
		Op:      protocol.OpSendInput,
		Payload: protocol.MustRaw(protocol.SendInputPayload{SessionID: runID, Input: input}),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.sock.WriteText(ctx, string(raw))
}

func (c *StreamChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.activeRun = ""
	c.mu.Unlock()

	var err error
	c.closeOnce.Do(func() {
		c.bgCancel()
		err = c.sock.Close()
		<-c.readDone
		close(c.events)
	})
	return err
}

func (c *StreamChannel) readLoop(ctx context.Context) {
	defer close(c.readDone)
	for {
		text, err := c.sock.ReadText(ctx)
		if err != nil {
			if ctx.Err() == nil {
				// Dropped connection: go silent, the runtime owns the
				// user-visible timeout.
				c.logger.Warn("stream read failed", "err", err)
				c.failPending(err)
			}
			return
		}
		c.handleFrame(ctx, text)
	}
}

func (c *StreamChannel) handleFrame(ctx context.Context, text string) {
	var msg protocol.Message
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		c.logger.Warn("malformed stream frame", "err", err)
		return
	}

	switch msg.Op {
	case protocol.OpSessionStarted:
		var p protocol.SessionRefPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("malformed session_started payload", "err", err)
			return
		}
		c.resolvePending(p.SessionID)
	case protocol.OpOutput:
		var p protocol.OutputPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("malformed output payload", "err", err)
			return
		}
		if !c.isActive(p.SessionID) {
			return
		}
		for _, chunk := range p.Output {
			c.emit(ctx, OutputChunk{RunID: p.SessionID, Kind: MapChunkKind(chunk.Type), Text: chunk.Text})
		}
	case protocol.OpInputRequired:
		var p protocol.SessionRefPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if !c.isActive(p.SessionID) {
			return
		}
		c.emit(ctx, InputRequested{RunID: p.SessionID})
	case protocol.OpInputSent:
		var p protocol.SessionRefPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if !c.isActive(p.SessionID) {
			return
		}
		c.emit(ctx, InputAcked{RunID: p.SessionID})
	case protocol.OpExecutionComplete:
		var p protocol.SessionRefPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if !c.finishRun(p.SessionID) {
			return
		}
		c.emit(ctx, Completed{RunID: p.SessionID})
	case protocol.OpExecutionError:
		var p protocol.ExecutionErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if c.failPendingWith(p.Error) {
			return
		}
		if !c.finishRun(p.SessionID) {
			return
		}
		c.emit(ctx, Error{RunID: p.SessionID, Message: p.Error})
	default:
		c.logger.Debug("ignoring stream op", "op", msg.Op)
	}
}

// emit blocks until the consumer accepts the event, so a burst larger than
// the buffer stalls the read loop instead of losing frames. Close cancels the
// read loop's context, which unblocks any pending send.
func (c *StreamChannel) emit(ctx context.Context, e Event) {
	select {
	case c.events <- e:
	case <-ctx.Done():
	}
}

func (c *StreamChannel) isActive(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return runID != "" && c.activeRun == runID
}

func (c *StreamChannel) finishRun(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeRun != runID {
		return false
	}
	c.activeRun = ""
	return true
}

func (c *StreamChannel) resolvePending(runID string) {
	c.mu.Lock()
	pending := c.pending
	if pending != nil {
		c.pending = nil
		c.activeRun = runID
	}
	c.mu.Unlock()
	if pending != nil {
		pending <- pendingStart{runID: runID}
	}
}

func (c *StreamChannel) failPendingWith(message string) bool {
	c.mu.Lock()
	pending := c.pending
	if pending != nil {
		c.pending = nil
	}
	c.mu.Unlock()
	if pending != nil {
		pending <- pendingStart{err: fmt.Errorf("run start failed: %s", message)}
		return true
	}
	return false
}

func (c *StreamChannel) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	if pending != nil {
		c.pending = nil
	}
	c.mu.Unlock()
	if pending != nil {
		pending <- pendingStart{err: err}
	}
}

func (c *StreamChannel) clearPending() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}
