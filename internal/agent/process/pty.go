package process

import "io"

// PTY is a started pseudo-terminal.
type PTY interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
