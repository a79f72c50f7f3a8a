// Package fakeproc provides an in-memory subprocess for testing expect sessions
// without spawning anything.
package fakeproc

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Process is a fake subprocess. Tests play the process side: Emit writes to
// what the session reads, Written returns what the session sent.
type Process struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu         sync.Mutex
	written    bytes.Buffer
	closes     int
	inputErr   error
	exitCode   int
	exited     chan struct{}
	exitOnce   sync.Once
	closeInput bool
}

// New creates a running fake process.
func New() *Process {
	r, w := io.Pipe()
	return &Process{
		outR:   r,
		outW:   w,
		exited: make(chan struct{}),
	}
}

// Emit writes output as the process. It blocks until the session reads it.
func (p *Process) Emit(s string) error {
	_, err := io.WriteString(p.outW, s)
	return err
}

// EmitBytes writes raw output as the process.
func (p *Process) EmitBytes(b []byte) error {
	_, err := p.outW.Write(b)
	return err
}

// CloseOutput ends the output stream with err, io.EOF when nil.
func (p *Process) CloseOutput(err error) {
	if err == nil {
		_ = p.outW.Close()
		return
	}
	_ = p.outW.CloseWithError(err)
}

// Exit ends the output stream and records the exit code.
func (p *Process) Exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		p.CloseOutput(nil)
		close(p.exited)
	})
}

// FailInput makes every following input write fail with err.
func (p *Process) FailInput(err error) *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputErr = err
	return p
}

// Written returns everything sent to the process so far.
func (p *Process) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// Closes returns how many times Close was called.
func (p *Process) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Stdin implements expect.Process.
func (p *Process) Stdin() io.WriteCloser {
	return input{p}
}

// Stdout implements expect.Process.
func (p *Process) Stdout() io.ReadCloser {
	return p.outR
}

// Wait implements expect.Process.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Close implements expect.Process. Like a real process it kills the child,
// which ends the output stream.
func (p *Process) Close() error {
	p.mu.Lock()
	p.closes++
	p.closeInput = true
	p.mu.Unlock()

	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = -1
		p.mu.Unlock()
		close(p.exited)
	})
	_ = p.outW.Close()
	return p.outR.Close()
}

type input struct {
	p *Process
}

func (in input) Write(b []byte) (int, error) {
	in.p.mu.Lock()
	defer in.p.mu.Unlock()
	if in.p.closeInput {
		return 0, io.ErrClosedPipe
	}
	if in.p.inputErr != nil {
		return 0, in.p.inputErr
	}
	return in.p.written.Write(b)
}

func (in input) Close() error {
	in.p.mu.Lock()
	defer in.p.mu.Unlock()
	in.p.closeInput = true
	return nil
}
