//go:build unix

package launcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

var terminateSignal os.Signal = unix.SIGTERM

// setProcessGroup puts the child in its own process group so the whole
// subtree can be signalled on Close.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(proc *os.Process, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return proc.Signal(sig)
	}
	// The child leads its own group (Setpgid or the PTY session), so -pid addresses all of it.
	if err := unix.Kill(-proc.Pid, s); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return proc.Signal(sig)
	}
	return nil
}

func (p *Process) startPTY(c Command) error {
	term := c.Term
	if term == "" {
		term = "dumb"
	}
	rows, cols := c.Rows, c.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 120
	}
	p.cmd.Env = append(p.cmd.Env, fmt.Sprintf("TERM=%s", term), "NO_COLOR=1")

	ptmx, err := pty.StartWithSize(p.cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}

	p.stdin = ptyInput{ptmx}
	p.stdout = ptyOutput{ptmx}
	return nil
}

// ptyInput writes to the PTY master. Closing it is a no-op: the master is
// shared with the output side and closed by ptyOutput.
type ptyInput struct {
	f *os.File
}

func (w ptyInput) Write(b []byte) (int, error) {
	return w.f.Write(b)
}

func (w ptyInput) Close() error {
	return nil
}

// ptyOutput reads from the PTY master, reporting the EIO Linux returns once
// the slave side is gone as a plain end of stream.
type ptyOutput struct {
	f *os.File
}

func (r ptyOutput) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

func (r ptyOutput) Close() error {
	return r.f.Close()
}
