//go:build !unix

package launcher

import (
	"os"
	"os/exec"
)

var terminateSignal = os.Kill

func setProcessGroup(*exec.Cmd) {}

func signalGroup(proc *os.Process, sig os.Signal) error {
	return proc.Signal(sig)
}

func (p *Process) startPTY(Command) error {
	return ErrPTYUnsupported
}
