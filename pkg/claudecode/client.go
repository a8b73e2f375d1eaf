package claudecode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/logger"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("claudecode: client closed")

// Client writes to the CLI's stdin and matches control responses to the
// control requests it sent. Reading stdout is left to the caller, which
// hands every decoded message to Route.
type Client struct {
	w      io.Writer
	logger *logger.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *IncomingControlResponse
	closed  bool
}

// NewClient returns a client writing to stdin.
func NewClient(stdin io.Writer, log *logger.Logger) *Client {
	return &Client{
		w:       stdin,
		logger:  log.WithFields(zap.String("component", "claudecode-client")),
		pending: make(map[string]chan *IncomingControlResponse),
	}
}

// Decode parses one stdout line.
func Decode(line []byte) (*CLIMessage, error) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode claude line: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("decode claude line: missing type")
	}
	return &msg, nil
}

// Route consumes control responses addressed to this client. It reports
// whether msg was consumed; all other messages belong to the caller.
func (c *Client) Route(msg *CLIMessage) bool {
	if msg.Type != MessageTypeControlResponse || msg.Response == nil {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[msg.Response.RequestID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("control response for unknown request", zap.String("request_id", msg.Response.RequestID))
		return true
	}
	select {
	case ch <- msg.Response:
	default:
	}
	return true
}

// SendUserMessage writes a prompt, optionally with one inline image.
func (c *Client) SendUserMessage(text, imageMediaType, imageData string) error {
	var blocks []UserContentBlock
	if imageData != "" {
		blocks = append(blocks, UserContentBlock{
			Type:   BlockImage,
			Source: &ImageSource{Type: "base64", MediaType: imageMediaType, Data: imageData},
		})
	}
	blocks = append(blocks, UserContentBlock{Type: BlockText, Text: text})
	return c.send(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: blocks},
	})
}

// Allow answers a can_use_tool request positively.
func (c *Client) Allow(requestID string, input map[string]any) error {
	if input == nil {
		input = map[string]any{}
	}
	return c.respond(requestID, &PermissionResult{Behavior: BehaviorAllow, UpdatedInput: input})
}

// Deny refuses a can_use_tool request with a message shown to the model.
func (c *Client) Deny(requestID, message string) error {
	return c.respond(requestID, &PermissionResult{Behavior: BehaviorDeny, Message: message})
}

func (c *Client) respond(requestID string, result *PermissionResult) error {
	return c.send(&ControlResponseMessage{
		Type: MessageTypeControlResponse,
		Response: ControlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response:  result,
		},
	})
}

// Interrupt asks the CLI to stop the current turn and waits up to timeout
// for the acknowledgement.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	return c.request(ctx, SDKControlRequestBody{Subtype: SubtypeInterrupt}, timeout)
}

// SetPermissionMode switches the CLI's permission mode.
func (c *Client) SetPermissionMode(ctx context.Context, mode string, timeout time.Duration) error {
	return c.request(ctx, SDKControlRequestBody{Subtype: SubtypeSetPermissionMode, Mode: mode}, timeout)
}

func (c *Client) request(ctx context.Context, body SDKControlRequestBody, timeout time.Duration) error {
	requestID := uuid.New().String()
	ch := make(chan *IncomingControlResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.send(&SDKControlRequest{Type: MessageTypeControlRequest, RequestID: requestID, Request: body}); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Subtype == "error" {
			return fmt.Errorf("%s failed: %s", body.Subtype, resp.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s timed out after %v", body.Subtype, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
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
	c.logger.Debug("claudecode: sent message", zap.Int("bytes", len(data)))
	return nil
}

// Close fails further control requests.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
