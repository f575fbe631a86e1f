// Package pty runs execution targets as local processes attached to a
// pseudo-terminal and exposes them as terminal streams.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	cpty "github.com/creack/pty"
)

// exitGrace bounds how long Read waits for the process to be reaped before
// deciding whether a read error is a normal exit.
const exitGrace = 100 * time.Millisecond

// StartOptions contains options for starting a PTY process.
type StartOptions struct {
	// Command is the command to execute.
	Command string

	// Args are the arguments to pass to the command.
	Args []string

	// Env is the environment of the process. If nil, the current process
	// environment is used.
	Env []string

	// Dir is the working directory for the process.
	Dir string

	Rows uint16
	Cols uint16
}

// Process is a running command attached to a PTY master.
type Process struct {
	cmd    *exec.Cmd
	master *os.File

	done     chan struct{}
	exitCode int
	waitErr  error

	closeOnce sync.Once
}

// Start launches a command on a new PTY.
func Start(opts StartOptions) (*Process, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}

	master, err := cpty.StartWithSize(cmd, &cpty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	p := &Process{cmd: cmd, master: master, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.exitCode = -1
			p.waitErr = err
		}
	}
	close(p.done)
}

// Read reads process output. Once the process has exited, the read error
// raised by the closed terminal is reported as io.EOF.
func (p *Process) Read(b []byte) (int, error) {
	n, err := p.master.Read(b)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	select {
	case <-p.done:
		return n, io.EOF
	case <-time.After(exitGrace):
		return n, err
	}
}

// Write writes to the process input.
func (p *Process) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

// Resize changes the PTY window size.
func (p *Process) Resize(cols, rows uint16) error {
	return cpty.Setsize(p.master, &cpty.Winsize{Rows: rows, Cols: cols})
}

// PID returns the process ID of the running process.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code once Done is closed; -1 means the process
// was killed or could not be waited for.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Close kills the process if it is still running and releases the PTY.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		select {
		case <-p.done:
		default:
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
		}
		err = p.master.Close()
	})
	return err
}
