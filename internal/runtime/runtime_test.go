package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"codedeck/internal/execchan"
)

type fakeChannel struct {
	mu       sync.Mutex
	events   chan execchan.Event
	starts   []string
	inputs   []string
	startErr error
	inputErr error
	runSeq   int
	closed   bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan execchan.Event, 32)}
}

func (f *fakeChannel) StartRun(_ context.Context, _, code string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.runSeq++
	runID := fmt.Sprintf("run-%d", f.runSeq)
	f.starts = append(f.starts, code)
	return runID, nil
}

func (f *fakeChannel) SubmitInput(_ context.Context, _, input string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inputErr != nil {
		return f.inputErr
	}
	f.inputs = append(f.inputs, input)
	return nil
}

func (f *fakeChannel) Events() <-chan execchan.Event { return f.events }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeChannel) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func newTestRuntime(t *testing.T) (*Runtime, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	r := New("s1", ch, nil)
	t.Cleanup(func() { _ = r.Close() })
	return r, ch
}

func waitPhase(t *testing.T, r *Runtime, want Phase) View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v := r.Snapshot()
		if v.Phase == want {
			return v
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("never reached phase %s, at %s", want, r.Snapshot().Phase)
	return View{}
}

func lines(v View) []string {
	out := make([]string, 0, len(v.Transcript))
	for _, e := range v.Transcript {
		out = append(out, e.Text)
	}
	return out
}

func TestRuntime_InteractiveRunScenario(t *testing.T) {
	r, ch := newTestRuntime(t)

	if err := r.Start("print(input())"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	v := waitPhase(t, r, PhaseRunning)
	if len(v.Transcript) != 1 || v.Transcript[0].Kind != execchan.KindSystem {
		t.Fatalf("expected single system line, got %+v", v.Transcript)
	}
	runID := v.RunID

	ch.events <- execchan.InputRequested{RunID: runID}
	v = waitPhase(t, r, PhaseAwaitingInput)
	if !v.PendingInput {
		t.Fatal("pending input flag should be set")
	}
	if v.FocusSeq == 0 {
		t.Fatal("focus seq should advance on awaiting input")
	}

	if err := r.SubmitInput("5"); err != nil {
		t.Fatalf("SubmitInput failed: %v", err)
	}
	v = waitPhase(t, r, PhaseRunning)
	got := lines(v)
	if got[len(got)-1] != "> 5" {
		t.Fatalf("expected input echo line, got %v", got)
	}
	if v.Transcript[len(v.Transcript)-1].Kind != execchan.KindInputEcho {
		t.Fatalf("expected input-echo kind, got %+v", v.Transcript)
	}

	ch.events <- execchan.OutputChunk{RunID: runID, Kind: execchan.KindStdout, Text: "5"}
	ch.events <- execchan.Completed{RunID: runID}
	v = waitPhase(t, r, PhaseCompleted)
	got = lines(v)
	if got[len(got)-1] != "Execution completed." {
		t.Fatalf("expected completion line, got %v", got)
	}
	if v.PendingInput {
		t.Fatal("pending input should clear at terminal")
	}
}

func TestRuntime_EmptyCodeRejectedLocally(t *testing.T) {
	r, ch := newTestRuntime(t)

	if err := r.Start("  \n "); !errors.Is(err, ErrEmptyCode) {
		t.Fatalf("expected ErrEmptyCode, got %v", err)
	}
	v := r.Snapshot()
	if len(v.Transcript) != 1 || v.Transcript[0].Kind != execchan.KindError || v.Transcript[0].Text != "No code to run" {
		t.Fatalf("expected exactly one error line, got %+v", v.Transcript)
	}
	if v.Phase != PhaseIdle {
		t.Fatalf("expected idle phase, got %s", v.Phase)
	}
	if ch.startCount() != 0 {
		t.Fatal("no network call expected")
	}
}

func TestRuntime_SecondStartRejectedUntilTerminal(t *testing.T) {
	r, ch := newTestRuntime(t)

	if err := r.Start("print(1)"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	v := waitPhase(t, r, PhaseRunning)

	if err := r.Start("print(2)"); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}

	ch.events <- execchan.Completed{RunID: v.RunID}
	waitPhase(t, r, PhaseCompleted)

	if err := r.Start("print(2)"); err != nil {
		t.Fatalf("restart after terminal should succeed: %v", err)
	}
	v = waitPhase(t, r, PhaseRunning)
	if got := lines(v); len(got) != 1 || got[0] != "Running code..." {
		t.Fatalf("transcript should be cleared on restart, got %v", got)
	}
}

func TestRuntime_SubmitInputOutsideAwaitingIsNoop(t *testing.T) {
	r, ch := newTestRuntime(t)

	if err := r.SubmitInput("ghost"); err != nil {
		t.Fatalf("no-op should not error: %v", err)
	}
	v := r.Snapshot()
	if len(v.Transcript) != 0 || v.Phase != PhaseIdle {
		t.Fatalf("state should be unchanged, got %+v", v)
	}

	if err := r.Start("print(1)"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	v = waitPhase(t, r, PhaseRunning)
	before := len(lines(v))

	if err := r.SubmitInput("ghost"); err != nil {
		t.Fatalf("no-op should not error: %v", err)
	}
	v = r.Snapshot()
	if len(v.Transcript) != before || v.Phase != PhaseRunning {
		t.Fatalf("state should be unchanged, got %+v", v)
	}
	ch.mu.Lock()
	forwarded := len(ch.inputs)
	ch.mu.Unlock()
	if forwarded != 0 {
		t.Fatal("no-op input must not reach the channel")
	}
}

func TestRuntime_StaleEventsFromPreviousRunDropped(t *testing.T) {
	r, ch := newTestRuntime(t)

	if err := r.Start("print(1)"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := waitPhase(t, r, PhaseRunning)
	ch.events <- execchan.Completed{RunID: first.RunID}
	waitPhase(t, r, PhaseCompleted)

	if err := r.Start("print(2)"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	second := waitPhase(t, r, PhaseRunning)

	// A slow poll response attributable to the first run arrives late.
	ch.events <- execchan.OutputChunk{RunID: first.RunID, Kind: execchan.KindStdout, Text: "stale"}
	ch.events <- execchan.OutputChunk{RunID: second.RunID, Kind: execchan.KindStdout, Text: "fresh"}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := lines(r.Snapshot())
		if len(got) > 0 && got[len(got)-1] == "fresh" {
			for _, line := range got {
				if line == "stale" {
					t.Fatalf("stale output leaked into transcript: %v", got)
				}
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("fresh output never observed")
}

func TestRuntime_TransportFailureOnStartSurfacesInTranscript(t *testing.T) {
	r, ch := newTestRuntime(t)
	ch.startErr = errors.New("backend unreachable")

	if err := r.Start("print(1)"); err != nil {
		t.Fatalf("Start should accept and fail async: %v", err)
	}
	v := waitPhase(t, r, PhaseError)
	got := lines(v)
	if got[len(got)-1] != "backend unreachable" {
		t.Fatalf("expected transport error line, got %v", got)
	}

	// Error is Idle-reachable: a new run may start.
	ch.startErr = nil
	if err := r.Start("print(1)"); err != nil {
		t.Fatalf("restart after error failed: %v", err)
	}
	waitPhase(t, r, PhaseRunning)
}

func TestRuntime_InputTransportFailureTerminatesRun(t *testing.T) {
	r, ch := newTestRuntime(t)

	if err := r.Start("input()"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	v := waitPhase(t, r, PhaseRunning)
	ch.events <- execchan.InputRequested{RunID: v.RunID}
	waitPhase(t, r, PhaseAwaitingInput)

	ch.inputErr = errors.New("pipe broken")
	if err := r.SubmitInput("5"); err != nil {
		t.Fatalf("SubmitInput failed: %v", err)
	}
	v = waitPhase(t, r, PhaseError)
	got := lines(v)
	if got[len(got)-1] != "pipe broken" {
		t.Fatalf("expected transport error line, got %v", got)
	}
}

func TestRuntime_TranscriptOrderAndScrollSeq(t *testing.T) {
	r, ch := newTestRuntime(t)

	if err := r.Start("print(1)"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	v := waitPhase(t, r, PhaseRunning)
	base := v.ScrollSeq

	for i := 0; i < 5; i++ {
		ch.events <- execchan.OutputChunk{RunID: v.RunID, Kind: execchan.KindStdout, Text: fmt.Sprintf("line-%d", i)}
	}
	ch.events <- execchan.Completed{RunID: v.RunID}
	v = waitPhase(t, r, PhaseCompleted)

	got := lines(v)
	want := []string{"Running code...", "line-0", "line-1", "line-2", "line-3", "line-4", "Execution completed."}
	if len(got) != len(want) {
		t.Fatalf("transcript mismatch: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transcript mismatch at %d: got %v want %v", i, got, want)
		}
	}
	if v.ScrollSeq != base+6 {
		t.Fatalf("scroll seq should advance per append: base=%d now=%d", base, v.ScrollSeq)
	}
}

func TestRuntime_BackendErrorSurfacesVerbatim(t *testing.T) {
	r, ch := newTestRuntime(t)

	if err := r.Start("1/0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	v := waitPhase(t, r, PhaseRunning)
	ch.events <- execchan.Error{RunID: v.RunID, Message: "ZeroDivisionError: division by zero"}
	v = waitPhase(t, r, PhaseError)
	got := lines(v)
	if got[len(got)-1] != "ZeroDivisionError: division by zero" {
		t.Fatalf("expected verbatim backend error, got %v", got)
	}
}

func TestRuntime_CloseIsIdempotentAndDisposesChannel(t *testing.T) {
	ch := newFakeChannel()
	r := New("s1", ch, nil)
	if err := r.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.closed {
		t.Fatal("channel should be disposed with the runtime")
	}
}
