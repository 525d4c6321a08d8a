//go:build unix

package runner

import (
	"errors"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the child's process group, so pipelines and
// grandchildren started by sh -c go down with it.
func terminate(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && errors.Is(err, syscall.ESRCH) {
		_ = cmd.Process.Signal(sig)
	}
}

func signaled(xe *exec.ExitError) bool {
	ws, ok := xe.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}
