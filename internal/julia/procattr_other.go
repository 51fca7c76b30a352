//go:build !unix

package julia

import "os/exec"

func configureProcAttr(*exec.Cmd) {}
