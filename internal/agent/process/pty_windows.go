//go:build windows

package process

import (
	"errors"
	"os/exec"
)

// StartPTY is unavailable: the attach target is tmux, which has no Windows
// build.
func StartPTY(_ *exec.Cmd, _, _ uint16) (PTY, error) {
	return nil, errors.New("interactive shell is not supported on windows")
}
