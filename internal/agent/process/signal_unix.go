//go:build unix

package process

import (
	"errors"
	"os"
	"syscall"
)

var terminateSignal os.Signal = syscall.SIGTERM

// signalGroup signals the whole group led by pid via the negative pid.
func signalGroup(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return errors.New("unsupported signal")
	}
	return syscall.Kill(-pid, s)
}

func processGone(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone)
}
