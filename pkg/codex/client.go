package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/logger"
)

// ErrClosed is returned by Call once the client is closed.
var ErrClosed = errors.New("codex: client closed")

// Kind classifies a decoded frame.
type Kind int

const (
	KindResponse Kind = iota + 1
	KindRequest
	KindNotification
)

// Frame is one decoded stdout line.
type Frame struct {
	Kind     Kind
	ID       any
	Method   string
	Params   json.RawMessage
	Response *Response
}

// Decode classifies one line by which of id, method and result/error it
// carries.
func Decode(line []byte) (*Frame, error) {
	var msg struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode codex line: %w", err)
	}
	hasID := msg.ID != nil
	switch {
	case hasID && msg.Method == "" && (msg.Result != nil || msg.Error != nil):
		return &Frame{Kind: KindResponse, ID: msg.ID, Response: &Response{ID: msg.ID, Result: msg.Result, Error: msg.Error}}, nil
	case hasID && msg.Method != "":
		return &Frame{Kind: KindRequest, ID: msg.ID, Method: msg.Method, Params: msg.Params}, nil
	case msg.Method != "":
		return &Frame{Kind: KindNotification, Method: msg.Method, Params: msg.Params}, nil
	default:
		return nil, errors.New("decode codex line: not a request, response or notification")
	}
}

// Client writes requests to the app-server and pairs responses with calls.
// The caller reads stdout and passes every response frame to Deliver.
type Client struct {
	w      io.Writer
	logger *logger.Logger

	requestID atomic.Int64
	writeMu   sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *Response
	done    chan struct{}
	once    sync.Once
}

// NewClient returns a client writing to stdin.
func NewClient(stdin io.Writer, log *logger.Logger) *Client {
	return &Client{
		w:       stdin,
		logger:  log.WithFields(zap.String("component", "codex-client")),
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
}

// Deliver hands a response to the waiting Call.
func (c *Client) Deliver(resp *Response) {
	id, ok := normalizeID(resp.ID)
	if !ok {
		c.logger.Warn("response with non-numeric id", zap.Any("id", resp.ID))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("received response for unknown request", zap.Int64("id", id))
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Call sends a request and waits for its response. A JSON-RPC error is
// returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id := c.requestID.Add(1)
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&Request{ID: id, Method: method, Params: raw}); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Notify sends a notification.
func (c *Client) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(&Notification{Method: method, Params: raw})
}

// Respond answers a server request.
func (c *Client) Respond(id any, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return c.send(&Response{ID: id, Result: raw})
}

// RespondError rejects a server request.
func (c *Client) RespondError(id any, code int, message string) error {
	return c.send(&Response{ID: id, Error: &Error{Code: code, Message: message}})
}

// Close aborts every in-flight Call.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("codex: sent message", zap.Int("bytes", len(data)))
	return nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}

func normalizeID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	}
	return 0, false
}
