// Package runtime orchestrates one execution session lifecycle: submit code,
// consume the ordered output stream, detect input prompts, forward input, and
// surface terminal states. All state lives behind a single event-queue
// goroutine, so no transition ever races another.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"codedeck/internal/execchan"
	"codedeck/internal/logging"
)

type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseStarting      Phase = "starting"
	PhaseRunning       Phase = "running"
	PhaseAwaitingInput Phase = "awaiting_input"
	PhaseCompleted     Phase = "completed"
	PhaseError         Phase = "error"
)

var (
	ErrEmptyCode = errors.New("no code to run")
	ErrRunActive = errors.New("previous run has not finished")
	ErrClosed    = errors.New("session runtime closed")
)

// OutputEvent is one transcript line. Kind is an execchan kind constant.
type OutputEvent struct {
	Kind string
	Text string
}

// View is an immutable snapshot for the UI layer. ScrollSeq increments on
// every transcript append; FocusSeq increments on entry into AwaitingInput.
// The UI reacts to sequence changes instead of observing mutations.
type View struct {
	Phase        Phase
	RunID        string
	Transcript   []OutputEvent
	PendingInput bool
	ScrollSeq    uint64
	FocusSeq     uint64
}

func (p Phase) terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

type command interface{ isCommand() }

type startCmd struct {
	code  string
	reply chan error
}

type submitInputCmd struct {
	text  string
	reply chan error
}

type snapshotCmd struct {
	reply chan View
}

type runStartedMsg struct{ runID string }
type runFailedMsg struct{ err error }
type inputFailedMsg struct{ err error }

func (startCmd) isCommand()       {}
func (submitInputCmd) isCommand() {}
func (snapshotCmd) isCommand()    {}
func (runStartedMsg) isCommand()  {}
func (runFailedMsg) isCommand()   {}
func (inputFailedMsg) isCommand() {}

// Runtime owns the transcript and the state machine for one session view.
// It also owns the execution channel's lifecycle: Close disposes it.
type Runtime struct {
	sessionID string
	channel   execchan.Channel
	logger    *slog.Logger

	cmds     chan command
	loopDone chan struct{}
	cancel   context.CancelFunc

	closeOnce sync.Once

	// Owned by the loop goroutine; never touched elsewhere.
	phase        Phase
	runID        string
	transcript   []OutputEvent
	pendingInput bool
	scrollSeq    uint64
	focusSeq     uint64
	stash        []execchan.Event
}

func New(sessionID string, channel execchan.Channel, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		sessionID: sessionID,
		channel:   channel,
		logger:    logger.With("session_id", sessionID),
		cmds:      make(chan command, 16),
		loopDone:  make(chan struct{}),
		cancel:    cancel,
		phase:     PhaseIdle,
	}
	go r.loop(ctx)
	return r
}

// Start requests a new run. Validation failures are reported synchronously
// and never reach the network; transport failures surface asynchronously as
// transcript error lines.
func (r *Runtime) Start(code string) error {
	reply := make(chan error, 1)
	if err := r.send(startCmd{code: code, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// SubmitInput forwards user input while the run awaits it. Outside
// AwaitingInput it is a logged no-op.
func (r *Runtime) SubmitInput(text string) error {
	reply := make(chan error, 1)
	if err := r.send(submitInputCmd{text: text, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Snapshot returns the current view. Safe from any goroutine.
func (r *Runtime) Snapshot() View {
	reply := make(chan View, 1)
	if err := r.send(snapshotCmd{reply: reply}); err != nil {
		return View{Phase: PhaseIdle}
	}
	return <-reply
}

// Close stops the loop and disposes the execution channel. Idempotent.
func (r *Runtime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.loopDone
		err = r.channel.Close()
	})
	return err
}

func (r *Runtime) send(cmd command) error {
	select {
	case r.cmds <- cmd:
		return nil
	case <-r.loopDone:
		return ErrClosed
	}
}

func (r *Runtime) loop(ctx context.Context) {
	defer close(r.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.cmds:
			r.handleCommand(ctx, cmd)
		case e, ok := <-r.channel.Events():
			if !ok {
				return
			}
			r.handleEvent(e)
		}
	}
}

func (r *Runtime) handleCommand(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case startCmd:
		c.reply <- r.startRun(ctx, c.code)
	case submitInputCmd:
		c.reply <- r.submitInput(ctx, c.text)
	case snapshotCmd:
		c.reply <- r.snapshot()
	case runStartedMsg:
		r.onRunStarted(c.runID)
	case runFailedMsg:
		r.onRunFailed(c.err)
	case inputFailedMsg:
		r.appendLine(execchan.KindError, c.err.Error())
		r.pendingInput = false
		r.phase = PhaseError
	}
}

func (r *Runtime) startRun(ctx context.Context, code string) error {
	if r.phase != PhaseIdle && !r.phase.terminal() {
		r.logger.Warn("run requested while previous run active", "phase", string(r.phase))
		return ErrRunActive
	}
	if isBlank(code) {
		r.resetTranscript()
		r.appendLine(execchan.KindError, "No code to run")
		r.phase = PhaseIdle
		return ErrEmptyCode
	}

	r.resetTranscript()
	r.runID = ""
	r.pendingInput = false
	r.stash = nil
	r.phase = PhaseStarting
	r.appendLine(execchan.KindSystem, "Running code...")

	go func() {
		runID, err := r.channel.StartRun(ctx, r.sessionID, code)
		if err != nil {
			r.enqueue(ctx, runFailedMsg{err: err})
			return
		}
		r.enqueue(ctx, runStartedMsg{runID: runID})
	}()
	return nil
}

func (r *Runtime) submitInput(ctx context.Context, text string) error {
	if r.phase != PhaseAwaitingInput {
		r.logger.Warn("input submitted outside awaiting_input", "phase", string(r.phase))
		return nil
	}

	r.appendLine(execchan.KindInputEcho, "> "+text)
	r.pendingInput = false
	r.phase = PhaseRunning

	runID := r.runID
	go func() {
		if err := r.channel.SubmitInput(ctx, runID, text); err != nil {
			r.enqueue(ctx, inputFailedMsg{err: err})
		}
	}()
	return nil
}

func (r *Runtime) onRunStarted(runID string) {
	if r.phase != PhaseStarting {
		// Superseded while the start round trip was in flight.
		r.logger.Warn("late run start ignored", "run_id", runID, "phase", string(r.phase))
		return
	}
	r.runID = runID
	r.phase = PhaseRunning
	for _, e := range r.stash {
		if e.EventRunID() == runID {
			r.handleEvent(e)
		}
	}
	r.stash = nil
}

func (r *Runtime) onRunFailed(err error) {
	if r.phase != PhaseStarting {
		return
	}
	r.appendLine(execchan.KindError, err.Error())
	r.phase = PhaseError
	r.stash = nil
}

func (r *Runtime) handleEvent(e execchan.Event) {
	if r.phase == PhaseStarting {
		// The start acknowledgement may still be queued behind this event.
		r.stash = append(r.stash, e)
		return
	}
	if r.runID == "" || e.EventRunID() != r.runID {
		r.logger.Debug("dropping stale event", "event_run_id", e.EventRunID(), "run_id", r.runID)
		return
	}
	if r.phase.terminal() {
		return
	}

	switch ev := e.(type) {
	case execchan.OutputChunk:
		r.appendLine(ev.Kind, ev.Text)
	case execchan.InputRequested:
		r.pendingInput = true
		r.phase = PhaseAwaitingInput
		r.focusSeq++
	case execchan.InputAcked:
		// Confirmation only; local state already advanced on SubmitInput.
	case execchan.Completed:
		r.appendLine(execchan.KindSystem, "Execution completed.")
		r.pendingInput = false
		r.phase = PhaseCompleted
	case execchan.Error:
		r.appendLine(execchan.KindError, ev.Message)
		r.pendingInput = false
		r.phase = PhaseError
	}
}

func (r *Runtime) snapshot() View {
	transcript := make([]OutputEvent, len(r.transcript))
	copy(transcript, r.transcript)
	return View{
		Phase:        r.phase,
		RunID:        r.runID,
		Transcript:   transcript,
		PendingInput: r.pendingInput,
		ScrollSeq:    r.scrollSeq,
		FocusSeq:     r.focusSeq,
	}
}

func (r *Runtime) appendLine(kind, text string) {
	r.transcript = append(r.transcript, OutputEvent{Kind: kind, Text: text})
	r.scrollSeq++
}

func (r *Runtime) resetTranscript() {
	r.transcript = nil
}

func (r *Runtime) enqueue(ctx context.Context, cmd command) {
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
	}
}

func isBlank(code string) bool {
	for _, c := range code {
		switch c {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}
