package execserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"codedeck/internal/protocol"
)

type fakeProcess struct {
	output chan protocol.Chunk
	done   chan int
	inputs chan string
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		output: make(chan protocol.Chunk, 16),
		done:   make(chan int, 1),
		inputs: make(chan string, 16),
	}
}

func (p *fakeProcess) Output() <-chan protocol.Chunk { return p.output }
func (p *fakeProcess) Done() <-chan int              { return p.done }

func (p *fakeProcess) SendInput(text string) error {
	p.inputs <- text
	return nil
}

func (p *fakeProcess) emit(kind, text string) {
	p.output <- protocol.Chunk{Type: kind, Text: text}
}

func (p *fakeProcess) exit(code int) {
	close(p.output)
	p.done <- code
}

type fakeRunner struct {
	proc *fakeProcess
	err  error
	code string
}

func (r *fakeRunner) Start(code string) (Process, error) {
	r.code = code
	if r.err != nil {
		return nil, r.err
	}
	return r.proc, nil
}

func newTestServer(t *testing.T, runner Runner) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(Options{Runner: runner}))
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func getStatus(t *testing.T, ts *httptest.Server, runID string) (statusResponse, int) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/status/" + runID)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return out, resp.StatusCode
}

func waitForOutput(t *testing.T, ts *httptest.Server, runID string, want string) statusResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var seen []protocol.Chunk
	for time.Now().Before(deadline) {
		st, code := getStatus(t, ts, runID)
		if code != http.StatusOK {
			t.Fatalf("status returned %d, collected output %v", code, seen)
		}
		seen = append(seen, st.Output...)
		for _, chunk := range seen {
			if chunk.Text == want {
				st.Output = seen
				return st
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output %q never appeared, collected %v", want, seen)
	return statusResponse{}
}

func TestRunRejectsEmptyCode(t *testing.T) {
	ts := newTestServer(t, &fakeRunner{proc: newFakeProcess()})

	out := postJSON(t, ts.URL+"/run", map[string]string{"code": "   "})
	if out["error"] == nil {
		t.Fatalf("expected error for blank code, got %v", out)
	}
}

func TestRunStatusDrainsIncrementally(t *testing.T) {
	proc := newFakeProcess()
	runner := &fakeRunner{proc: proc}
	ts := newTestServer(t, runner)

	out := postJSON(t, ts.URL+"/run", map[string]string{"code": "print('hi')"})
	runID, _ := out["session_id"].(string)
	if runID == "" {
		t.Fatalf("run did not return a session id: %v", out)
	}
	if runner.code != "print('hi')" {
		t.Fatalf("runner received code %q", runner.code)
	}

	proc.emit("output", "hi")
	st := waitForOutput(t, ts, runID, "hi")
	if st.Status != "running" {
		t.Fatalf("status = %q before exit", st.Status)
	}
	if st.Output[0].Type != "output" {
		t.Fatalf("chunk type = %q, want output", st.Output[0].Type)
	}

	// Already-drained output must not be replayed.
	st, _ = getStatus(t, ts, runID)
	if len(st.Output) != 0 {
		t.Fatalf("second drain replayed output %v", st.Output)
	}

	proc.exit(0)
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, code := getStatus(t, ts, runID)
		if code == http.StatusOK && st.Status == "completed" {
			if st.ExitCode == nil || *st.ExitCode != 0 {
				t.Fatalf("completed run exit code = %v", st.ExitCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never completed, last status %+v (%d)", st, code)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Completed runs are reaped after the terminal poll.
	if _, code := getStatus(t, ts, runID); code != http.StatusNotFound {
		t.Fatalf("reaped run status = %d, want 404", code)
	}
}

func TestExitWithBufferedOutputDeliversTail(t *testing.T) {
	proc := newFakeProcess()
	ts := newTestServer(t, &fakeRunner{proc: proc})

	out := postJSON(t, ts.URL+"/run", map[string]string{"code": "print('a'); print('b'); err()"})
	runID := out["session_id"].(string)

	// Output buffered and exit code ready before the first poll.
	proc.emit("output", "a")
	proc.emit("output", "b")
	proc.emit("error", "boom")
	proc.exit(1)

	var seen []protocol.Chunk
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, code := getStatus(t, ts, runID)
		if code != http.StatusOK {
			t.Fatalf("status returned %d, collected %v", code, seen)
		}
		seen = append(seen, st.Output...)
		if st.Status == "error" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never reached a terminal status, collected %v", seen)
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := []protocol.Chunk{
		{Type: "output", Text: "a"},
		{Type: "output", Text: "b"},
		{Type: "error", Text: "boom"},
	}
	if len(seen) != len(want) {
		t.Fatalf("collected %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("chunk %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}

func TestPromptSetsWaitingAndInputClearsIt(t *testing.T) {
	proc := newFakeProcess()
	ts := newTestServer(t, &fakeRunner{proc: proc})

	out := postJSON(t, ts.URL+"/run", map[string]string{"code": "x = input('Enter a number: ')"})
	runID := out["session_id"].(string)

	proc.emit("output", "Enter a number: ")
	st := waitForOutput(t, ts, runID, "Enter a number: ")
	if !st.WaitingForInput {
		t.Fatal("prompt line did not set waiting_for_input")
	}

	in := postJSON(t, ts.URL+"/input/"+runID, map[string]string{"input": "5"})
	if in["status"] != "input_sent" {
		t.Fatalf("input response = %v", in)
	}
	select {
	case got := <-proc.inputs:
		if got != "5" {
			t.Fatalf("process received input %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("input never reached the process")
	}

	st, _ = getStatus(t, ts, runID)
	if st.WaitingForInput {
		t.Fatal("waiting_for_input still set after input was sent")
	}
	proc.exit(0)
}

func TestNonZeroExitReportsError(t *testing.T) {
	proc := newFakeProcess()
	ts := newTestServer(t, &fakeRunner{proc: proc})

	out := postJSON(t, ts.URL+"/run", map[string]string{"code": "raise SystemExit(2)"})
	runID := out["session_id"].(string)
	proc.emit("error", "boom")
	proc.exit(2)

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, code := getStatus(t, ts, runID)
		if code == http.StatusOK && st.Status == "error" {
			if st.ExitCode == nil || *st.ExitCode != 2 {
				t.Fatalf("exit code = %v", st.ExitCode)
			}
			if st.Error == "" {
				t.Fatal("error status carried no message")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("error status never reported, last %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInputToUnknownRunIs404(t *testing.T) {
	ts := newTestServer(t, &fakeRunner{proc: newFakeProcess()})

	resp, err := http.Post(ts.URL+"/input/nope", "application/json", strings.NewReader(`{"input":"x"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRunStartFailureIs500(t *testing.T) {
	ts := newTestServer(t, &fakeRunner{err: fmt.Errorf("interpreter missing")})

	resp, err := http.Post(ts.URL+"/run", "application/json", strings.NewReader(`{"code":"print(1)"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, op string, payload any) {
	t.Helper()
	raw, err := json.Marshal(protocol.Message{ID: "t1", Type: "request", Op: op, Payload: protocol.MustRaw(payload)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write ws: %v", err)
	}
}

func readWS(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read ws: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal ws frame: %v", err)
	}
	return msg
}

func TestWSRunStreamsLifecycle(t *testing.T) {
	proc := newFakeProcess()
	ts := newTestServer(t, &fakeRunner{proc: proc})
	conn := dialWS(t, ts)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendWS(t, conn, protocol.OpRunCode, protocol.RunCodePayload{Code: "x = input('Name: ')\nprint('hi ' + x)"})

	msg := readWS(t, conn)
	if msg.Op != protocol.OpSessionStarted {
		t.Fatalf("first event op = %q", msg.Op)
	}
	var ref protocol.SessionRefPayload
	if err := json.Unmarshal(msg.Payload, &ref); err != nil || ref.SessionID == "" {
		t.Fatalf("session_started payload: %s", msg.Payload)
	}

	proc.emit("output", "Name: ")
	var sawOutput, sawWaiting bool
	for !sawOutput || !sawWaiting {
		msg = readWS(t, conn)
		switch msg.Op {
		case protocol.OpOutput:
			sawOutput = true
		case protocol.OpInputRequired:
			sawWaiting = true
		default:
			t.Fatalf("unexpected op %q before input", msg.Op)
		}
	}

	sendWS(t, conn, protocol.OpSendInput, protocol.SendInputPayload{SessionID: ref.SessionID, Input: "sam"})
	if got := <-proc.inputs; got != "sam" {
		t.Fatalf("process received input %q", got)
	}
	if msg = readWS(t, conn); msg.Op != protocol.OpInputSent {
		t.Fatalf("after input, op = %q", msg.Op)
	}

	proc.emit("output", "hi sam")
	proc.exit(0)
	var sawComplete bool
	for !sawComplete {
		msg = readWS(t, conn)
		switch msg.Op {
		case protocol.OpOutput:
		case protocol.OpExecutionComplete:
			sawComplete = true
		default:
			t.Fatalf("unexpected op %q at end of run", msg.Op)
		}
	}
}

func TestWSSessionStartedPrecedesFastRunEvents(t *testing.T) {
	proc := newFakeProcess()
	ts := newTestServer(t, &fakeRunner{proc: proc})
	conn := dialWS(t, ts)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The whole run finishes before run_code is even handled: the ack must
	// still be the first frame, followed by every output chunk.
	proc.emit("output", "instant")
	proc.exit(0)

	sendWS(t, conn, protocol.OpRunCode, protocol.RunCodePayload{Code: "print('instant')"})

	if msg := readWS(t, conn); msg.Op != protocol.OpSessionStarted {
		t.Fatalf("first event op = %q, want session_started", msg.Op)
	}
	msg := readWS(t, conn)
	if msg.Op != protocol.OpOutput {
		t.Fatalf("second event op = %q, want output", msg.Op)
	}
	var outPayload protocol.OutputPayload
	if err := json.Unmarshal(msg.Payload, &outPayload); err != nil {
		t.Fatalf("output payload: %v", err)
	}
	if len(outPayload.Output) != 1 || outPayload.Output[0].Text != "instant" {
		t.Fatalf("output payload = %+v", outPayload.Output)
	}
	if msg = readWS(t, conn); msg.Op != protocol.OpExecutionComplete {
		t.Fatalf("terminal op = %q, want execution_complete", msg.Op)
	}
}

func TestWSRunErrorEvent(t *testing.T) {
	proc := newFakeProcess()
	ts := newTestServer(t, &fakeRunner{proc: proc})
	conn := dialWS(t, ts)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendWS(t, conn, protocol.OpRunCode, protocol.RunCodePayload{Code: "raise ValueError"})
	if msg := readWS(t, conn); msg.Op != protocol.OpSessionStarted {
		t.Fatalf("first event op = %q", msg.Op)
	}
	proc.exit(1)
	msg := readWS(t, conn)
	if msg.Op != protocol.OpExecutionError {
		t.Fatalf("terminal op = %q, want execution_error", msg.Op)
	}
	var payload protocol.ExecutionErrorPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Error == "" {
		t.Fatalf("error payload: %s", msg.Payload)
	}
}

func TestLooksLikePrompt(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"Enter a number: ", true},
		{"What is your name?", true},
		{"x = input('go')", true},
		{"hello world", false},
		{"done", false},
	}
	for _, tc := range cases {
		if got := looksLikePrompt(tc.line); got != tc.want {
			t.Errorf("looksLikePrompt(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}
