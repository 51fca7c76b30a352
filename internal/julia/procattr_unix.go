//go:build unix

package julia

import (
	"os/exec"
	"syscall"
)

// configureProcAttr makes julia a process group leader so the supervisor can kill
// its precompilation workers along with it.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
