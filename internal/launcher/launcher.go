// Package launcher starts subject processes and exposes their standard streams.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultGrace is how long Terminate waits after SIGTERM before SIGKILL.
	DefaultGrace = 2 * time.Second

	// reapTimeout bounds the wait for the process to be reaped after SIGKILL.
	reapTimeout = 5 * time.Second
)

var (
	// ErrNoCommand is returned by Start when Command.Name is empty.
	ErrNoCommand = errors.New("no command specified")

	// ErrPTYUnsupported is returned when PTY mode is requested on a platform without PTYs.
	ErrPTYUnsupported = errors.New("pty mode is not supported on this platform")

	errReapTimeout = errors.New("timed out waiting for process to exit")
)

// Command describes the process to start.
type Command struct {
	Name string   // Executable name or path, resolved via PATH
	Args []string // Arguments, not including Name
	Env  []string // Appended to the inherited environment
	Dir  string   // Working directory; empty keeps the caller's

	PTY  bool   // Attach to a pseudo-terminal instead of pipes
	Term string // TERM for PTY mode (default: dumb)
	Rows uint16 // PTY rows (default: 24)
	Cols uint16 // PTY columns (default: 120)

	Grace time.Duration // SIGTERM to SIGKILL delay on Close (default: DefaultGrace)
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// LaunchError reports that the command could not be started.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Process is a started subject process.
// Stdout carries both stdout and stderr of the child.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	grace  time.Duration

	waitOnce sync.Once
	exitCh   chan struct{}
	mu       sync.Mutex
	exitCode int
	exitErr  error

	closeOnce sync.Once
	closeErr  error
}

// Start starts the command. The caller owns the returned Process and must Close it.
func Start(ctx context.Context, c Command) (*Process, error) {
	if c.Name == "" {
		return nil, &LaunchError{Err: ErrNoCommand}
	}
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Command: c.String(), Err: err}
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}

	p := &Process{
		cmd:    cmd,
		grace:  c.Grace,
		exitCh: make(chan struct{}),
	}
	if p.grace <= 0 {
		p.grace = DefaultGrace
	}

	var err error
	if c.PTY {
		err = p.startPTY(c)
	} else {
		err = p.startPipes()
	}
	if err != nil {
		return nil, &LaunchError{Command: c.String(), Err: err}
	}

	// Reap in the background so Terminate can observe the exit without a Wait call.
	p.waitProcess()
	return p, nil
}

// startPipes wires stdin and a merged stdout/stderr through OS pipes.
// The child ends are closed in the parent after start so EOF is seen when the child exits.
func (p *Process) startPipes() error {
	inR, inW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	p.cmd.Stdin = inR
	p.cmd.Stdout = outW
	p.cmd.Stderr = outW
	setProcessGroup(p.cmd)

	if err := p.cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return err
	}

	inR.Close()
	outW.Close()

	p.stdin = inW
	p.stdout = outR
	return nil
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stdin returns the writable input stream of the process.
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Stdout returns the readable output stream (stdout and stderr merged).
func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

// Wait blocks until the process exits or ctx is done.
// A non-zero exit status is reported through the code, not the error.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.exitCh:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, p.exitErr
	}
}

func (p *Process) waitProcess() {
	p.waitOnce.Do(func() {
		go func() {
			err := p.cmd.Wait()

			p.mu.Lock()
			var exitErr *exec.ExitError
			switch {
			case err == nil:
				p.exitCode = 0
			case errors.As(err, &exitErr):
				p.exitCode = exitErr.ExitCode()
			default:
				p.exitCode = -1
				p.exitErr = err
			}
			p.mu.Unlock()

			close(p.exitCh)
		}()
	})
}

// Terminate asks the process group to exit and forces it after grace.
// It returns once the process has been reaped.
func (p *Process) Terminate(grace time.Duration) error {
	select {
	case <-p.exitCh:
		return nil
	default:
	}

	if err := signalGroup(p.cmd.Process, terminateSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal process: %w", err)
	}

	select {
	case <-p.exitCh:
		return nil
	case <-time.After(grace):
	}

	if err := signalGroup(p.cmd.Process, os.Kill); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process: %w", err)
	}

	select {
	case <-p.exitCh:
		return nil
	case <-time.After(reapTimeout):
		return errReapTimeout
	}
}

// Close closes stdin, terminates and reaps the process, then closes stdout.
// It is safe to call more than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.close()
	})
	return p.closeErr
}

func (p *Process) close() error {
	var errs []error

	if err := p.stdin.Close(); err != nil && !isClosedErr(err) {
		errs = append(errs, fmt.Errorf("close stdin: %w", err))
	}

	if err := p.Terminate(p.grace); err != nil {
		errs = append(errs, err)
	}
	// Descendants that outlived the leader still hold the output stream open.
	_ = signalGroup(p.cmd.Process, os.Kill)

	if err := p.stdout.Close(); err != nil && !isClosedErr(err) {
		errs = append(errs, fmt.Errorf("close stdout: %w", err))
	}

	return errors.Join(errs...)
}

func isClosedErr(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
