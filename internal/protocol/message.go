// Package protocol defines the wire envelope shared by the local API event
// feed and the execution backend stream, plus the payloads carried inside it.
package protocol

import "encoding/json"

// Message frames every websocket request and event. Payload stays raw so
// each consumer decodes only the ops it handles.
type Message struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
	Error   *ErrPayload     `json:"error,omitempty"`
}

type ErrPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent wraps payload in an event-typed envelope.
func NewEvent(id, op string, payload any) Message {
	return Message{ID: id, Type: "event", Op: op, Payload: MustRaw(payload)}
}

func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
