// Package execserver exposes the execution backend's wire surface: the
// HTTP run/status/input endpoints the poll binding consumes and the
// websocket event stream the push binding consumes. The process that
// actually runs code sits behind the Runner contract.
package execserver

import (
	"strings"
	"sync"

	"codedeck/internal/protocol"
)

// Process is one live execution. Output delivers typed line chunks until the
// process exits; Done yields the exit code once.
type Process interface {
	Output() <-chan protocol.Chunk
	SendInput(text string) error
	Done() <-chan int
}

// Runner starts a Process for submitted code.
type Runner interface {
	Start(code string) (Process, error)
}

type runState struct {
	mu       sync.Mutex
	proc     Process
	pending  []protocol.Chunk
	waiting  bool
	exited   bool
	exitCode int

	// push runs stream events instead of accumulating for status polls.
	push bool
}

// eventSink receives live run events for push runs. Terminal calls carry
// exited=true with the exit code and no chunks.
type eventSink func(runID string, chunks []protocol.Chunk, waiting, exited bool, exitCode int)

// collect consumes process output until the stream closes, then records the
// exit code. Exit is observed only after every buffered chunk has been
// consumed, so tail output produced just before exit is never lost. For poll
// runs chunks accumulate until the next status drain; for push runs sink
// fires per chunk.
func (r *runState) collect(runID string, sink eventSink) {
	for chunk := range r.proc.Output() {
		r.mu.Lock()
		becameWaiting := false
		if chunk.Type == "output" && looksLikePrompt(chunk.Text) && !r.waiting {
			r.waiting = true
			becameWaiting = true
		}
		push := r.push
		if !push {
			r.pending = append(r.pending, chunk)
		}
		r.mu.Unlock()
		if push && sink != nil {
			sink(runID, []protocol.Chunk{chunk}, becameWaiting, false, 0)
		}
	}

	code := <-r.proc.Done()
	r.mu.Lock()
	r.exited = true
	r.exitCode = code
	r.waiting = false
	push := r.push
	r.mu.Unlock()
	if push && sink != nil {
		sink(runID, nil, false, true, code)
	}
}

// drain returns the output accumulated since the previous drain, the waiting
// flag, and exit state. Poll binding semantics: incremental, never replayed.
func (r *runState) drain() (chunks []protocol.Chunk, waiting, exited bool, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chunks = r.pending
	r.pending = nil
	return chunks, r.waiting, r.exited, r.exitCode
}

func (r *runState) clearWaiting() {
	r.mu.Lock()
	r.waiting = false
	r.mu.Unlock()
}

func (r *runState) isExited() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exited
}

// looksLikePrompt mirrors the backend's historical input-prompt heuristic:
// a line mentioning input(), or ending with a colon or question mark, is
// treated as a prompt.
func looksLikePrompt(line string) bool {
	trimmed := strings.TrimSpace(line)
	if strings.Contains(trimmed, "input(") {
		return true
	}
	return strings.HasSuffix(trimmed, ":") || strings.HasSuffix(trimmed, "?")
}
