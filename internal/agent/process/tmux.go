package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNoTmux is returned when tmux is not installed.
var ErrNoTmux = errors.New("tmux not found in PATH")

// Tmux drives named tmux sessions for interactive shell attach and output
// capture.
type Tmux struct {
	bin string
}

// NewTmux locates the tmux binary.
func NewTmux() (*Tmux, error) {
	bin, err := exec.LookPath("tmux")
	if err != nil {
		return nil, ErrNoTmux
	}
	return &Tmux{bin: bin}, nil
}

// SessionName derives a tmux-safe session name.
func SessionName(id string) string {
	var b strings.Builder
	b.WriteString("conductor-")
	for _, r := range id {
		if r == '.' || r == ':' {
			r = '-'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, t.bin, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// HasSession reports whether name exists.
func (t *Tmux) HasSession(ctx context.Context, name string) bool {
	return exec.CommandContext(ctx, t.bin, "has-session", "-t", name).Run() == nil
}

// Ensure creates a detached session rooted at dir unless it already exists.
// command, when non-empty, replaces the default shell.
func (t *Tmux) Ensure(ctx context.Context, name, dir string, command []string) error {
	if t.HasSession(ctx, name) {
		return nil
	}
	args := []string{"new-session", "-d", "-s", name, "-c", dir}
	args = append(args, command...)
	_, err := t.run(ctx, args...)
	return err
}

// Capture returns the visible pane plus up to history lines of scrollback.
func (t *Tmux) Capture(ctx context.Context, name string, history int) (string, error) {
	return t.run(ctx, "capture-pane", "-p", "-J", "-t", name, "-S", fmt.Sprintf("-%d", history))
}

// SendKeys types text into the session followed by Enter.
func (t *Tmux) SendKeys(ctx context.Context, name, text string) error {
	_, err := t.run(ctx, "send-keys", "-t", name, text, "Enter")
	return err
}

// Kill destroys the session. A missing session is not an error.
func (t *Tmux) Kill(ctx context.Context, name string) error {
	if !t.HasSession(ctx, name) {
		return nil
	}
	_, err := t.run(ctx, "kill-session", "-t", name)
	return err
}

// AttachCommand builds the client command to run under a PTY.
func (t *Tmux) AttachCommand(name string) *exec.Cmd {
	return exec.Command(t.bin, "attach-session", "-t", name)
}
