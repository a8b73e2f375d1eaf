package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/process"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/guard"
	"github.com/kandev/conductor/internal/models"
)

const (
	defaultCols     = 120
	defaultRows     = 40
	defaultCapture  = 200
	maxCaptureLines = 10000
)

// ShellInput is a client frame on the shell socket.
type ShellInput struct {
	Type string `json:"type"` // input | resize
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// shellSession resolves the session and checks that its working directory
// may host a shell.
func (s *Server) shellSession(c *gin.Context) (*models.Session, error) {
	if s.deps.Tmux == nil {
		return nil, apperrors.Validation("interactive shell unavailable: %v", process.ErrNoTmux)
	}
	sess, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if err := guard.CheckWorkDir(sess.WorkDir, s.opts.AllowedRoots); err != nil {
		return nil, err
	}
	return sess, nil
}

// shellWS attaches a WebSocket to a tmux shell in the session's working
// directory. PTY output is sent as binary messages.
// GET /api/v1/sessions/:id/shell
func (s *Server) shellWS(c *gin.Context) {
	sess, err := s.shellSession(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	name := process.SessionName(sess.ID)
	if err := s.deps.Tmux.Ensure(c.Request.Context(), name, sess.WorkDir, []string{s.opts.Shell}); err != nil {
		s.writeError(c, apperrors.Internal("start shell", err))
		return
	}

	cmd := s.deps.Tmux.AttachCommand(name)
	cmd.Dir = sess.WorkDir
	pty, err := process.StartPTY(cmd, defaultCols, defaultRows)
	if err != nil {
		s.writeError(c, apperrors.Internal("attach shell", err))
		return
	}
	defer func() {
		_ = pty.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	log := s.logger.WithSessionID(sess.ID)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go func() {
		defer cancel()
		buf := make([]byte, 4096)
		for {
			n, err := pty.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in ShellInput
		if err := json.Unmarshal(data, &in); err != nil {
			log.Debug("ignoring malformed shell frame", zap.Error(err))
			continue
		}
		switch in.Type {
		case "input":
			if _, err := pty.Write([]byte(in.Data)); err != nil {
				return
			}
		case "resize":
			if in.Cols == 0 || in.Rows == 0 {
				continue
			}
			if err := pty.Resize(in.Cols, in.Rows); err != nil {
				log.Debug("resize shell failed", zap.Error(err))
			}
		}
	}
}

// shellCapture returns the shell's visible pane plus scrollback.
// GET /api/v1/sessions/:id/shell/capture?lines=N
func (s *Server) shellCapture(c *gin.Context) {
	lines := defaultCapture
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxCaptureLines {
			s.writeError(c, apperrors.Validation("lines must be between 0 and %d", maxCaptureLines))
			return
		}
		lines = n
	}
	sess, err := s.shellSession(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	name := process.SessionName(sess.ID)
	if !s.deps.Tmux.HasSession(c.Request.Context(), name) {
		s.writeError(c, apperrors.NotFound("shell", sess.ID))
		return
	}
	out, err := s.deps.Tmux.Capture(c.Request.Context(), name, lines)
	if err != nil {
		s.writeError(c, apperrors.Internal("capture shell", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}
