package lsp

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is a handle to a spawned Tarqeem server. It exposes the child's
// stdio pipes, reports exit exactly once via Done, and supports graceful
// termination with forced-kill escalation. It never restarts the child.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitOnce sync.Once
	done     chan struct{}
	exitCode int
	exitErr  error
}

// Spawn starts the server executable with the given working directory and
// returns a handle to it. It fails with *SpawnError if the executable cannot
// be located or started.
//
// The stdio pipes are created directly so the parent's ends stay valid until
// closePipes; exec.Cmd's own pipe helpers close them inside Wait, which would
// race against the protocol reader.
func Spawn(command string, args []string, workDir string) (*Process, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, &SpawnError{Command: command, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Command: command, Err: err}
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &SpawnError{Command: command, Err: err}
	}

	// The child holds its own descriptors now; releasing the parent's
	// copies lets EOF propagate when the child exits.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// wait reaps the child and records its exit exactly once.
func (p *Process) wait() {
	err := p.cmd.Wait()

	p.waitOnce.Do(func() {
		p.exitErr = err
		p.exitCode = 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				p.exitCode = 128 + int(status.Signal())
			}
		} else if err != nil {
			p.exitCode = -1
		}
		close(p.done)
	})
}

// Stdin returns the child's input stream, the protocol channel in.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the child's output stream, the protocol channel out.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the child's error stream. It is not part of the protocol
// channel and is surfaced only as log text.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Pid returns the child's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited, clean, crashed, or killed.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode reports the exit code. Valid only after Done is closed; a child
// killed by a signal reports 128+signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return 0
	}
}

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate requests cooperative exit and escalates to a forced kill if the
// process has not exited within the grace period. It returns once the
// process is gone.
func (p *Process) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
	return nil
}

// closePipes releases the stdio pipes. Safe to call more than once.
func (p *Process) closePipes() {
	p.stdin.Close()
	p.stdout.Close()
	p.stderr.Close()
}
