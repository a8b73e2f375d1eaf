package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/adapter"
	"github.com/kandev/conductor/internal/agent/approval"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/models"
	"github.com/kandev/conductor/internal/store"
)

var errNoQueue = errors.New("no job queue configured")

// Start enqueues the first run of an idle session.
func (c *Controller) Start(ctx context.Context, id string) (*models.Job, error) {
	sess, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionIdle {
		return nil, apperrors.Conflict("session %s is %s", id, sess.Status)
	}
	return c.enqueueStart(ctx, models.SessionStartPayload{SessionID: id})
}

// SendMessage delivers a user message. A live session gets it on the hot
// path, directly when it runs here and over its control channel otherwise.
// An idle or ended session with a resume handle is cold resumed: the message
// becomes the prompt of a new session-start job.
func (c *Controller) SendMessage(ctx context.Context, id, text string, image *bus.Image) (*models.Job, error) {
	if text == "" && image == nil {
		return nil, apperrors.Validation("message is empty")
	}
	sess, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	cm := bus.ControlMessage{Type: bus.TypeMessage, Text: text, Image: image}

	if sess.Status.Live() {
		return nil, c.relay(ctx, id, cm)
	}

	ref := ""
	if sess.SessionRef != nil {
		ref = *sess.SessionRef
	}
	if sess.Status.Terminal() && ref == "" {
		return nil, apperrors.Conflict("session %s is %s and has no resume handle", id, sess.Status)
	}
	ok, err := c.store.ReopenSession(ctx, id, text)
	if err != nil {
		return nil, apperrors.Internal("reopen session", err)
	}
	if !ok {
		return nil, apperrors.Conflict("session %s changed state, retry", id)
	}
	c.logger.WithSessionID(id).Info("cold resume", zap.Bool("has_ref", ref != ""))
	return c.enqueueStart(ctx, models.SessionStartPayload{SessionID: id, ResumeRef: ref, ResumeText: text})
}

// Cancel stops a live session's process, or ends a session that has none.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	sess, err := c.get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return apperrors.Conflict("session %s is already %s", id, sess.Status)
	}
	if sess.Status.Live() {
		return c.relay(ctx, id, bus.ControlMessage{Type: bus.TypeCancel})
	}
	ok, err := c.store.TransitionSession(ctx, id, []models.SessionStatus{models.SessionIdle}, models.SessionEnded, "cancelled")
	if err != nil {
		return apperrors.Internal("end session", err)
	}
	if !ok {
		return apperrors.Conflict("session %s changed state, retry", id)
	}
	_ = c.bus.Publish(ctx, bus.SessionChannel(c.opts.ChannelPrefix, id),
		bus.StatusMessage{Type: bus.TypeStatus, Status: string(models.SessionEnded), Message: "cancelled"})
	return nil
}

// ResolveApproval answers a pending approval. On the owning worker an
// unknown id or bad decision is reported; relayed decisions are best effort.
func (c *Controller) ResolveApproval(ctx context.Context, id, approvalID string, d adapter.Decision) error {
	if !d.Valid() {
		return apperrors.Validation("unknown decision %q", d)
	}
	if ls := c.lookup(id); ls != nil {
		return ls.approvals.Resolve(ctx, approvalID, d)
	}
	sess, err := c.get(ctx, id)
	if err != nil {
		return err
	}
	if !sess.Status.Live() {
		return apperrors.Conflict("session %s is %s", id, sess.Status)
	}
	return c.publishControl(ctx, id, bus.ControlMessage{Type: bus.TypeApproval, ApprovalID: approvalID, Decision: string(d)})
}

// Approvals lists pending approvals of a session running on this worker.
func (c *Controller) Approvals(id string) []approval.Pending {
	if ls := c.lookup(id); ls != nil {
		return ls.approvals.List()
	}
	return nil
}

func (c *Controller) relay(ctx context.Context, id string, cm bus.ControlMessage) error {
	if ls := c.lookup(id); ls != nil {
		if !ls.deliver(ctx, cm) {
			return apperrors.Conflict("session %s is shutting down", id)
		}
		return nil
	}
	return c.publishControl(ctx, id, cm)
}

func (c *Controller) publishControl(ctx context.Context, id string, cm bus.ControlMessage) error {
	if err := c.bus.Publish(ctx, bus.ControlChannel(c.opts.ChannelPrefix, id), cm); err != nil {
		return apperrors.Internal("publish control message", err)
	}
	return nil
}

func (c *Controller) enqueueStart(ctx context.Context, p models.SessionStartPayload) (*models.Job, error) {
	if c.jobs == nil {
		return nil, apperrors.Internal("session start", errNoQueue)
	}
	job, err := c.jobs.Enqueue(ctx, models.JobSessionStart, p)
	if err != nil {
		return nil, apperrors.Internal("enqueue session start", err)
	}
	return job, nil
}

// Get returns the session row.
func (c *Controller) Get(ctx context.Context, id string) (*models.Session, error) {
	return c.get(ctx, id)
}

func (c *Controller) get(ctx context.Context, id string) (*models.Session, error) {
	sess, err := c.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, apperrors.Internal("load session", err)
	}
	return sess, nil
}
