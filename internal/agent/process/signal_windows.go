//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// Windows has no signal delivery beyond Kill, so terminate is a kill.
var terminateSignal = os.Kill

func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// signalGroup has no negative-pid primitive here, so it walks the registry
// of children started through this package.
func signalGroup(pid int, _ os.Signal) error {
	return children.Signal(pid, os.Kill)
}

func processGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}
