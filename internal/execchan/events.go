// Package execchan abstracts the transport to the execution backend behind
// one contract with two bindings: a persistent event stream over websocket,
// and an HTTP poll loop. Both deliver the same event sequence semantics.
package execchan

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNoCode is returned synchronously; nothing is sent to the backend.
	ErrNoCode = errors.New("no code to run")
	// ErrRunActive rejects a second StartRun before the previous run's
	// terminal event has been emitted.
	ErrRunActive = errors.New("a run is already active")
	// ErrChannelClosed is returned by operations on a closed channel.
	ErrChannelClosed = errors.New("execution channel closed")
)

// Transcript kinds. The backend's wire chunk types map onto these.
const (
	KindSystem    = "system"
	KindStdout    = "stdout"
	KindStderr    = "stderr"
	KindInputEcho = "input-echo"
	KindError     = "error"
)

// Event is the closed union both bindings reduce to. The session runtime
// never sees transport-specific payload shapes.
type Event interface {
	EventRunID() string
}

type OutputChunk struct {
	RunID string
	Kind  string
	Text  string
}

type InputRequested struct {
	RunID string
}

type InputAcked struct {
	RunID string
}

type Completed struct {
	RunID string
}

type Error struct {
	RunID   string
	Message string
}

func (e OutputChunk) EventRunID() string    { return e.RunID }
func (e InputRequested) EventRunID() string { return e.RunID }
func (e InputAcked) EventRunID() string     { return e.RunID }
func (e Completed) EventRunID() string      { return e.RunID }
func (e Error) EventRunID() string          { return e.RunID }

// Channel is the session-scoped execution transport. Implementations emit,
// per run: zero or more OutputChunks, optionally InputRequested markers, then
// exactly one terminal Completed or Error.
type Channel interface {
	StartRun(ctx context.Context, sessionID, code string) (string, error)
	SubmitInput(ctx context.Context, runID, input string) error
	Events() <-chan Event
	Close() error
}

func isBlank(code string) bool {
	return strings.TrimSpace(code) == ""
}

// MapChunkKind translates a backend wire chunk type to a transcript kind.
func MapChunkKind(wireType string) string {
	switch wireType {
	case "error":
		return KindStderr
	case "system":
		return KindSystem
	case "input":
		return KindInputEcho
	default:
		return KindStdout
	}
}
