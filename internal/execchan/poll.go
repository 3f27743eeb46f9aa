package execchan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"codedeck/internal/logging"
	"codedeck/internal/protocol"
)

const maxConsecutivePollFailures = 5

// PollChannel is the pull binding: after StartRun returns a run id it issues
// a status request on a fixed interval until a terminal status is observed.
// Each status response carries the output produced since the previous poll.
type PollChannel struct {
	baseURL  string
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger
	events   chan Event
	done     chan struct{}

	mu        sync.Mutex
	activeRun string
	runCancel context.CancelFunc
	closed    bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

type runResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

type statusResponse struct {
	Status          string           `json:"status"`
	Output          []protocol.Chunk `json:"output"`
	WaitingForInput bool             `json:"waiting_for_input"`
	ExitCode        *int             `json:"exit_code"`
	Error           string           `json:"error"`
}

type inputResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func NewPollChannel(baseURL string, client *http.Client, interval time.Duration, logger *slog.Logger) *PollChannel {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &PollChannel{
		baseURL:  baseURL,
		client:   client,
		interval: interval,
		logger:   logger,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
}

func (c *PollChannel) Events() <-chan Event { return c.events }

func (c *PollChannel) StartRun(ctx context.Context, sessionID, code string) (string, error) {
	if isBlank(code) {
		return "", ErrNoCode
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrChannelClosed
	}
	if c.activeRun != "" {
		c.mu.Unlock()
		return "", ErrRunActive
	}
	c.mu.Unlock()

	body, err := json.Marshal(map[string]string{"code": code, "session_id": sessionID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = res.Body.Close() }()

	var out runResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("run rejected: %s", out.Error)
	}
	if out.SessionID == "" {
		return "", errors.New("backend returned no run id")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrChannelClosed
	}
	if c.activeRun != "" {
		c.mu.Unlock()
		return "", ErrRunActive
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.activeRun = out.SessionID
	c.runCancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pollLoop(runCtx, out.SessionID)
	return out.SessionID, nil
}

func (c *PollChannel) SubmitInput(ctx context.Context, runID, input string) error {
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

	body, err := json.Marshal(map[string]string{"input": input})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/input/"+runID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	var out inputResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return err
	}
	if out.Error != "" {
		return fmt.Errorf("input rejected: %s", out.Error)
	}

	// The ack emit must be covered by the waitgroup: Close waits for it
	// before closing the event channel.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()
	c.emit(ctx, InputAcked{RunID: runID})
	c.wg.Done()
	return nil
}

// Close cancels any in-flight poll loop. It is idempotent and guarantees that
// no event is delivered after it returns.
func (c *PollChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	cancel := c.runCancel
	c.runCancel = nil
	c.activeRun = ""
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		close(c.events)
	})
	return nil
}

func (c *PollChannel) pollLoop(ctx context.Context, runID string) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var applied []protocol.Chunk
	lastWaiting := false
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := c.fetchStatus(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Warn("status poll failed", "run_id", runID, "failures", failures, "err", err)
			if failures >= maxConsecutivePollFailures {
				c.finishRun(runID)
				c.emit(ctx, Error{RunID: runID, Message: fmt.Sprintf("lost contact with execution backend: %v", err)})
				return
			}
			continue
		}
		failures = 0

		if status.Error != "" {
			c.finishRun(runID)
			c.emit(ctx, Error{RunID: runID, Message: status.Error})
			return
		}

		fresh := incrementalTail(applied, status.Output)
		for _, chunk := range fresh {
			c.emit(ctx, OutputChunk{RunID: runID, Kind: MapChunkKind(chunk.Type), Text: chunk.Text})
		}
		applied = append(applied, fresh...)

		if status.WaitingForInput && !lastWaiting {
			c.emit(ctx, InputRequested{RunID: runID})
		}
		lastWaiting = status.WaitingForInput

		switch status.Status {
		case "completed":
			c.finishRun(runID)
			c.emit(ctx, Completed{RunID: runID})
			return
		case "error":
			c.finishRun(runID)
			c.emit(ctx, Error{RunID: runID, Message: "execution failed"})
			return
		}
	}
}

func (c *PollChannel) fetchStatus(ctx context.Context, runID string) (statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+runID, nil)
	if err != nil {
		return statusResponse{}, err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return statusResponse{}, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return statusResponse{}, fmt.Errorf("status %d: %s", res.StatusCode, string(body))
	}
	var out statusResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return statusResponse{}, err
	}
	return out, nil
}

func (c *PollChannel) finishRun(runID string) {
	c.mu.Lock()
	if c.activeRun == runID {
		c.activeRun = ""
		c.runCancel = nil
	}
	c.mu.Unlock()
}

// emit blocks until the consumer accepts the event. A run's output is total:
// backpressure from a slow consumer stalls the poll loop rather than losing
// chunks. Cancellation of the run or of the channel unblocks the send, and
// after either no event reaches the consumer.
func (c *PollChannel) emit(ctx context.Context, e Event) {
	if ctx.Err() != nil {
		return
	}
	select {
	case c.events <- e:
	case <-ctx.Done():
	case <-c.done:
	}
}

// incrementalTail returns the part of batch that has not been applied yet.
// The wire protocol is incremental, but a retried or proxied response can
// redeliver the full transcript verbatim; the longest suffix of applied that
// prefixes batch is treated as already seen.
func incrementalTail(applied, batch []protocol.Chunk) []protocol.Chunk {
	max := len(applied)
	if len(batch) < max {
		max = len(batch)
	}
	for k := max; k > 0; k-- {
		if chunksEqual(applied[len(applied)-k:], batch[:k]) {
			return batch[k:]
		}
	}
	return batch
}

func chunksEqual(a, b []protocol.Chunk) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
