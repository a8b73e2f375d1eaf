//go:build unix && !linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the child in its own process group. Pdeathsig is
// Linux-only; elsewhere orphan cleanup relies on Terminate.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
