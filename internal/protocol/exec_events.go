package protocol

// Ops carried over the execution backend's event stream. Inbound ops arrive
// from the backend, outbound ops are emitted by the client.
const (
	OpOutput            = "output"
	OpInputRequired     = "input_required"
	OpExecutionComplete = "execution_complete"
	OpExecutionError    = "execution_error"
	OpInputSent         = "input_sent"
	OpSessionStarted    = "session_started"

	OpRunCode   = "run_code"
	OpSendInput = "send_input"
)

// Chunk mirrors one element of the backend's output array. Type is one of
// "output", "error", "system", "input".
type Chunk struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type OutputPayload struct {
	SessionID string  `json:"session_id"`
	Output    []Chunk `json:"output"`
}

type SessionRefPayload struct {
	SessionID string `json:"session_id"`
}

type ExecutionErrorPayload struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

type RunCodePayload struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

type SendInputPayload struct {
	SessionID string `json:"session_id"`
	Input     string `json:"input"`
}
