package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/eventlog"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/models"
)

const (
	frameDone  = "done"
	frameError = "error"
)

// DoneMessage closes a stream once the session is terminal. An "error"
// frame closes it early when live updates cannot be followed.
type DoneMessage struct {
	Type     string `json:"type"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// sink is one transport for the session stream.
type sink interface {
	event(e events.Event) error
	done(d DoneMessage) error
	keepAlive() error
}

// afterID reads the resume point from Last-Event-ID or ?after=.
func afterID(c *gin.Context) (int64, error) {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("after")
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, apperrors.Validation("invalid resume id %q", raw)
	}
	return id, nil
}

// follow replays the session log after afterID, then relays new events
// until the session is terminal or ctx ends. The bus only wakes the tailer;
// events themselves are always read from the log.
func (s *Server) follow(ctx context.Context, sess *models.Session, after int64, out sink) error {
	path := s.deps.Logs.SessionPath(sess.ID)
	lastID := after

	catchUp := func() error {
		evs, err := eventlog.ReadAll(path, lastID)
		if err != nil {
			return err
		}
		for _, e := range evs {
			if err := out.event(e); err != nil {
				return err
			}
			lastID = e.ID
		}
		return nil
	}

	if sess.Status.Terminal() {
		if err := catchUp(); err != nil {
			return err
		}
		return out.done(DoneMessage{Type: frameDone, Status: string(sess.Status), Message: sess.StatusMessage})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tailer := eventlog.NewTailer(path, after, s.opts.PollInterval, s.logger)
	terminal := make(chan bus.StatusMessage, 1)
	unsub, err := s.deps.Bus.Subscribe(ctx, bus.SessionChannel(s.opts.ChannelPrefix, sess.ID), func(_ context.Context, payload []byte) {
		tailer.Nudge()
		if bus.TypeOf(payload) != bus.TypeStatus {
			return
		}
		var m bus.StatusMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return
		}
		if models.SessionStatus(m.Status).Terminal() {
			select {
			case terminal <- m:
			default:
			}
		}
	})
	if err != nil {
		s.logger.Warn("subscribe to session channel failed",
			zap.String("session_id", sess.ID), zap.Error(err))
		if err := catchUp(); err != nil {
			return err
		}
		return out.done(DoneMessage{Type: frameError, Message: "live updates unavailable"})
	}
	defer func() { _ = unsub() }()

	evCh := make(chan events.Event, 64)
	tailDone := make(chan struct{})
	tailCtx, stopTail := context.WithCancel(ctx)
	go func() {
		defer close(tailDone)
		_ = tailer.Run(tailCtx, evCh)
	}()
	stopTailer := func() {
		stopTail()
		<-tailDone
	}
	defer stopTailer()

	statusTicker := time.NewTicker(s.opts.StatusInterval)
	defer statusTicker.Stop()
	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	var final *DoneMessage
	for final == nil {
		select {
		case <-ctx.Done():
			return nil
		case e := <-evCh:
			if e.ID <= lastID {
				continue
			}
			if err := out.event(e); err != nil {
				return err
			}
			lastID = e.ID
		case m := <-terminal:
			final = &DoneMessage{Type: frameDone, Status: m.Status, Message: m.Message, ExitCode: m.ExitCode}
		case <-statusTicker.C:
			cur, err := s.deps.Sessions.Get(ctx, sess.ID)
			if err != nil {
				s.logger.Debug("session status check failed", zap.String("session_id", sess.ID), zap.Error(err))
				continue
			}
			if cur.Status.Terminal() {
				final = &DoneMessage{Type: frameDone, Status: string(cur.Status), Message: cur.StatusMessage}
			}
		case <-keepAlive.C:
			if err := out.keepAlive(); err != nil {
				return err
			}
		}
	}

	stopTailer()
	if err := catchUp(); err != nil {
		return err
	}
	return out.done(*final)
}

// streamSSE serves the session stream as text/event-stream.
// GET /api/v1/sessions/:id/stream
func (s *Server) streamSSE(c *gin.Context) {
	after, err := afterID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sess, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if err := s.follow(c.Request.Context(), sess, after, &sseSink{w: c.Writer}); err != nil {
		s.logger.Debug("sse stream ended", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

type sseSink struct {
	w gin.ResponseWriter
}

func (k *sseSink) event(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(k.w, "id: %d\ndata: %s\n\n", e.ID, data); err != nil {
		return err
	}
	k.w.Flush()
	return nil
}

func (k *sseSink) done(d DoneMessage) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(k.w, "data: %s\n\n", data); err != nil {
		return err
	}
	k.w.Flush()
	return nil
}

func (k *sseSink) keepAlive() error {
	if _, err := fmt.Fprint(k.w, ": keepalive\n\n"); err != nil {
		return err
	}
	k.w.Flush()
	return nil
}

// streamWS mirrors the session stream over a WebSocket. Each event and the
// final done message are sent as one JSON text message.
// GET /api/v1/sessions/:id/ws
func (s *Server) streamWS(c *gin.Context) {
	after, err := afterID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sess, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.follow(ctx, sess, after, &wsSink{conn: conn}); err != nil {
		s.logger.Debug("websocket stream ended", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

type wsSink struct {
	conn *websocket.Conn
}

func (k *wsSink) event(e events.Event) error { return k.conn.WriteJSON(e) }
func (k *wsSink) done(d DoneMessage) error   { return k.conn.WriteJSON(d) }

func (k *wsSink) keepAlive() error {
	return k.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}
