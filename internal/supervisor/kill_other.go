//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return os.ErrProcessDone
	}
	return cmd.Process.Kill()
}

// processReaped is always false here; Process.Kill already refuses a reaped child.
func processReaped(cmd *exec.Cmd) bool {
	return cmd == nil || cmd.Process == nil
}
