// Package bus is the engine's best-effort publish/subscribe layer. It carries
// low-latency nudges and control messages between processes; the durable event
// log, not the bus, is the system of record.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/kandev/conductor/internal/common/constants"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Handler receives the raw JSON payload of one message.
type Handler func(ctx context.Context, payload []byte)

// Unsubscribe removes exactly the subscription that returned it. Calling it
// more than once is a no-op.
type Unsubscribe func() error

// Bus publishes JSON payloads to named channels.
type Bus interface {
	Publish(ctx context.Context, channel string, payload any) error
	Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error)
	Close() error
}

// maxChannelLen keeps names within the PostgreSQL identifier limit.
const maxChannelLen = 63

// ChannelName joins prefix and id into a channel identifier. Every
// non-alphanumeric rune is stripped from id, and the result is lower-cased.
func ChannelName(prefix, id string) string {
	var b strings.Builder
	b.Grow(len(prefix) + len(id) + 1)
	for _, r := range strings.ToLower(prefix) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			b.WriteRune(r)
		}
	}
	b.WriteByte('_')
	for _, r := range strings.ToLower(id) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) > maxChannelLen {
		name = name[:maxChannelLen]
	}
	return name
}

// SessionChannel carries a session's event nudges and status changes.
func SessionChannel(prefix, sessionID string) string {
	return ChannelName(prefix+"_events", sessionID)
}

// ControlChannel carries inbound control messages for a session.
func ControlChannel(prefix, sessionID string) string {
	return ChannelName(prefix+"_control", sessionID)
}

// ExecutionControlChannel carries cancel requests for an execution.
func ExecutionControlChannel(prefix, executionID string) string {
	return ChannelName(prefix+"_exec", executionID)
}

// AnalysisChannel carries analysis completion notices.
func AnalysisChannel(prefix string) string {
	return ChannelName(prefix, "analysis")
}

// Encode serializes payload. A result larger than the bus payload limit is
// replaced by a reference stub naming only the original type; receivers
// recover the full content from the durable log.
func Encode(payload any) ([]byte, error) {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case json.RawMessage:
		data = p
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode bus payload: %w", err)
		}
	}
	if len(data) <= constants.MaxBusPayloadBytes {
		return data, nil
	}
	var env Envelope
	_ = json.Unmarshal(data, &env)
	return json.Marshal(RefStub{Type: TypeRef, OriginalType: env.Type})
}
