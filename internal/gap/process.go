package gap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

const (
	// lineChannelCapacity buffers pumped output lines per stream.
	lineChannelCapacity = 256
	// maxLineBytes caps one scanned output line at 10MB. GAP prints large
	// objects as single lines.
	maxLineBytes = 10 << 20
)

// Handle is one live engine process: its output pipes pumped into line
// channels plus write and signal controls.
type Handle interface {
	// WriteLine writes one statement line to the process stdin.
	WriteLine(text string) error
	// StdoutLines returns the stdout line channel, closed on EOF.
	StdoutLines() <-chan string
	// StderrLines returns the stderr line channel, closed on EOF.
	StderrLines() <-chan string
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Signal sends a unix signal to the process.
	Signal(signal syscall.Signal) error
	// CloseStdin closes the stdin pipe.
	CloseStdin() error
	// PID returns the process ID.
	PID() int
}

// Starter spawns one engine process.
type Starter interface {
	Start(ctx context.Context, executable string, args []string) (Handle, error)
}

type execStarter struct{}

func (execStarter) Start(ctx context.Context, executable string, args []string) (Handle, error) {
	// The session owns termination explicitly, so the command is not bound
	// to ctx.
	cmd := exec.Command(executable, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", executable, err)
	}

	handle := &execHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: pumpLines(stdout),
		stderr: pumpLines(stderr),
		done:   make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(handle.done)
	}()

	_ = ctx
	return handle, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout <-chan string
	stderr <-chan string
	done   chan struct{}
}

func (h *execHandle) WriteLine(text string) error {
	if _, err := io.WriteString(h.stdin, text+"\n"); err != nil {
		return fmt.Errorf("write to engine stdin: %w", err)
	}
	return nil
}

func (h *execHandle) StdoutLines() <-chan string {
	return h.stdout
}

func (h *execHandle) StderrLines() <-chan string {
	return h.stderr
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) Signal(signal syscall.Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(signal)
}

func (h *execHandle) CloseStdin() error {
	return h.stdin.Close()
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// pumpLines turns a pipe into a line channel, closed when the pipe hits EOF
// or an oversized line aborts the scan.
func pumpLines(r io.Reader) <-chan string {
	lines := make(chan string, lineChannelCapacity)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// discardLines unblocks a pump by consuming its channel until closed.
func discardLines(lines <-chan string) {
	for range lines {
	}
}

func isProcessGoneError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
