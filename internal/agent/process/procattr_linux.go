//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the child in its own process group. Pdeathsig takes the
// child down if this process dies without running Terminate.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
