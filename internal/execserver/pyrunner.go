package execserver

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"codedeck/internal/protocol"
)

// PythonRunner executes submitted code as an unbuffered python subprocess.
// Each run writes the code to a temp file and streams line output.
type PythonRunner struct {
	// Interpreter defaults to "python3".
	Interpreter string
	// WorkDir holds per-run script files; defaults to the OS temp dir.
	WorkDir string
}

func (r *PythonRunner) Start(code string) (Process, error) {
	interp := r.Interpreter
	if interp == "" {
		interp = "python3"
	}
	dir := r.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	script := filepath.Join(dir, fmt.Sprintf("run_%s.py", uuid.NewString()))
	if err := os.WriteFile(script, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}

	cmd := exec.Command(interp, "-u", script)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.Remove(script)
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(script)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.Remove(script)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		os.Remove(script)
		return nil, fmt.Errorf("start interpreter: %w", err)
	}

	p := &pyProcess{
		cmd:    cmd,
		stdin:  stdin,
		output: make(chan protocol.Chunk, 64),
		done:   make(chan int, 1),
		script: script,
	}
	p.wg.Add(2)
	go p.scan(stdout, "output")
	go p.scan(stderr, "error")
	go p.wait()
	return p, nil
}

type pyProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output chan protocol.Chunk
	done   chan int
	script string

	wg      sync.WaitGroup
	inputMu sync.Mutex
	closed  bool
}

func (p *pyProcess) Output() <-chan protocol.Chunk { return p.output }

func (p *pyProcess) Done() <-chan int { return p.done }

func (p *pyProcess) SendInput(text string) error {
	p.inputMu.Lock()
	defer p.inputMu.Unlock()
	if p.closed {
		return fmt.Errorf("process stdin closed")
	}
	_, err := io.WriteString(p.stdin, text+"\n")
	return err
}

func (p *pyProcess) scan(r io.Reader, kind string) {
	defer p.wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		p.output <- protocol.Chunk{Type: kind, Text: sc.Text()}
	}
}

func (p *pyProcess) wait() {
	p.wg.Wait()
	close(p.output)
	err := p.cmd.Wait()
	p.inputMu.Lock()
	p.closed = true
	p.stdin.Close()
	p.inputMu.Unlock()
	os.Remove(p.script)

	code := 0
	if err != nil {
		code = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	p.done <- code
}
