package adapter

import (
	"errors"
	"strconv"

	"github.com/kandev/conductor/internal/events"
)

// ErrUnmapped tells the caller to fall back to the default mapper.
var ErrUnmapped = errors.New("adapter: message not mapped")

// Message types produced by the shared plumbing.
const (
	TypeLine = "line"
	TypeExit = "exit"

	// TypeSessionReady carries a session reference learned from a handshake
	// response rather than from the output stream.
	TypeSessionReady = "session-ready"
)

type sessionReady struct {
	Ref   string
	Model string
	Cwd   string
}

func readyRef(msg Message) (string, bool) {
	if r, ok := msg.Native.(*sessionReady); ok && r.Ref != "" {
		return r.Ref, true
	}
	return "", false
}

// DefaultMapper maps messages every adapter can produce: plain output lines
// and process exit.
type DefaultMapper struct{}

func (DefaultMapper) Map(msg Message) ([]events.Payload, error) {
	switch msg.Type {
	case TypeLine:
		return []events.Payload{events.Text{Text: msg.Line}}, nil
	case TypeExit:
		code, _ := msg.Native.(int)
		res := events.Result{Subtype: "success", Turns: 1}
		if code != 0 {
			res.Subtype = "error"
			res.IsError = true
			res.Text = "exit status " + strconv.Itoa(code)
		}
		return []events.Payload{res}, nil
	case TypeSessionReady:
		r, ok := msg.Native.(*sessionReady)
		if !ok {
			return nil, nil
		}
		return []events.Payload{events.SessionInit{SessionRef: r.Ref, Model: r.Model, Cwd: r.Cwd}}, nil
	case "stderr", "malformed":
		return nil, nil
	}
	if msg.Line != "" {
		return []events.Payload{events.SystemInfo{Message: msg.Line, Detail: map[string]any{"type": msg.Type}}}, nil
	}
	return nil, nil
}
