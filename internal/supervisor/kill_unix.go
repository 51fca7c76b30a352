//go:build unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// killProcess kills the whole process group when the factory started the child as a
// group leader, so interpreter helpers holding stdout open die with it.
func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return os.ErrProcessDone
	}
	if cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid {
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	return cmd.Process.Kill()
}

// processReaped reports whether Wait has collected the child. An exited but
// unreaped child still holds its pid and process group ID. Process.Signal tracks
// the child through a pidfd where available, so it cannot hit a recycled pid.
func processReaped(cmd *exec.Cmd) bool {
	if cmd == nil || cmd.Process == nil {
		return true
	}
	return errors.Is(cmd.Process.Signal(syscall.Signal(0)), os.ErrProcessDone)
}
