package session

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/router"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/eventlog"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/events/bus"
)

// logEmitter appends events to the session log, then nudges subscribers on
// the session channel. A failed publish is logged and otherwise ignored.
type logEmitter struct {
	writer  *eventlog.Writer
	bus     bus.Bus
	channel string
	logger  *logger.Logger
}

var _ router.Emitter = (*logEmitter)(nil)

func newLogEmitter(w *eventlog.Writer, b bus.Bus, channel string, log *logger.Logger) *logEmitter {
	return &logEmitter{writer: w, bus: b, channel: channel, logger: log}
}

func (e *logEmitter) Emit(ctx context.Context, p events.Payload) (events.Event, error) {
	ev, err := e.writer.Append(events.Event{Payload: p})
	if err != nil {
		return events.Event{}, err
	}
	e.publish(ctx, ev)
	return ev, nil
}

func (e *logEmitter) Output(_ context.Context, stream events.Stream, line string) error {
	return e.writer.AppendOutput(stream, strings.TrimRight(line, "\r\n"))
}

// publish sends payload on the session channel.
func (e *logEmitter) publish(ctx context.Context, payload any) {
	if err := e.bus.Publish(ctx, e.channel, payload); err != nil {
		e.logger.Debug("session channel publish failed", zap.Error(err))
	}
}
