// Package queue runs durable jobs from the store on a fixed number of worker
// slots. Each slot claims one job at a time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/constants"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/common/tracing"
	"github.com/kandev/conductor/internal/models"
	"github.com/kandev/conductor/internal/store"
)

const (
	tracerName = "conductor/queue"

	// maxClaimFailures consecutive claim errors mean the store is gone.
	maxClaimFailures = 5
)

var (
	// ErrQueueClosed is returned by Enqueue once shutdown has started.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrStoreUnavailable ends Run when jobs can no longer be claimed.
	ErrStoreUnavailable = errors.New("job store unavailable")
)

// Handler runs one job. Validation, Conflict, NotFound, SafetyViolation and
// Timeout errors fail the job at once; other errors use the retry budget.
type Handler func(ctx context.Context, job *models.Job) error

// Options tune the worker pool.
type Options struct {
	Workers      int
	PollInterval time.Duration
	DrainTimeout time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
}

// OptionsFromConfig reads the pool settings from cfg.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval(),
		DrainTimeout: cfg.DrainTimeout(),
		MaxAttempts:  cfg.MaxAttempts,
		RetryDelay:   cfg.RetryDelay(),
	}
}

// Queue enqueues jobs and, once Run is called, executes them.
type Queue struct {
	jobs     store.JobStore
	workerID string
	opts     Options
	logger   *logger.Logger
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[models.JobKind]Handler
	closed   bool

	wake chan struct{}
}

// New returns a queue claiming jobs as workerID.
func New(jobs store.JobStore, workerID string, opts Options, log *logger.Logger) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = constants.QueueDrainTimeout
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Queue{
		jobs:     jobs,
		workerID: workerID,
		opts:     opts,
		logger:   log.WithFields(zap.String("component", "queue"), zap.String("worker_id", workerID)),
		now:      time.Now,
		handlers: make(map[models.JobKind]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Handle registers h for kind, replacing any earlier handler.
func (q *Queue) Handle(kind models.JobKind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind models.JobKind) Handler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[kind]
}

// Enqueue stores a pending job carrying payload as JSON.
func (q *Queue) Enqueue(ctx context.Context, kind models.JobKind, payload any) (*models.Job, error) {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return nil, ErrQueueClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	job := &models.Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     data,
		MaxAttempts: q.opts.MaxAttempts,
	}
	if err := q.jobs.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}
	q.logger.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("kind", string(kind)))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Run polls until ctx is cancelled, then stops claiming, gives running jobs
// DrainTimeout to finish and cancels whatever is left. It returns
// ErrStoreUnavailable if the store stops answering claims.
func (q *Queue) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	g, pollCtx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		slot := i
		g.Go(func() error { return q.work(pollCtx, jobCtx, slot) })
	}
	q.logger.Info("queue started", zap.Int("workers", q.opts.Workers))

	<-pollCtx.Done()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()

	var err error
	select {
	case err = <-drained:
	case <-time.After(q.opts.DrainTimeout):
		q.logger.Warn("drain timeout reached, cancelling running jobs")
		cancelJobs()
		err = <-drained
	}
	q.logger.Info("queue stopped")
	return err
}

func (q *Queue) work(pollCtx, jobCtx context.Context, slot int) error {
	log := q.logger.WithFields(zap.Int("slot", slot))
	failures := 0
	for {
		if pollCtx.Err() != nil {
			return nil
		}
		job, err := q.jobs.ClaimNextJob(pollCtx, q.workerID)
		if err != nil {
			if pollCtx.Err() != nil {
				return nil
			}
			failures++
			log.Error("claim job failed", zap.Int("failures", failures), zap.Error(err))
			if failures >= maxClaimFailures {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			q.sleep(pollCtx)
			continue
		}
		failures = 0
		if job == nil {
			q.sleep(pollCtx)
			continue
		}
		q.process(jobCtx, job)
	}
}

func (q *Queue) sleep(ctx context.Context) {
	t := time.NewTimer(q.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-q.wake:
	case <-t.C:
	}
}

func (q *Queue) process(ctx context.Context, job *models.Job) {
	log := q.logger.WithJobID(job.ID).WithFields(zap.String("kind", string(job.Kind)), zap.Int("attempt", job.Attempts))
	// Settle the row even when the job was cancelled by shutdown.
	settle := context.WithoutCancel(ctx)

	h := q.handler(job.Kind)
	if h == nil {
		log.Error("no handler for job kind")
		if err := q.jobs.FailJob(settle, job.ID, "no handler for "+string(job.Kind)); err != nil {
			log.Error("failed to fail job", zap.Error(err))
		}
		return
	}

	ctx, span := tracing.Start(ctx, tracerName, "queue.job", "job.id", job.ID, "job.kind", string(job.Kind))
	log.Info("job started")
	err := run(ctx, h, job)
	tracing.End(span, err)

	switch {
	case err == nil:
		log.Info("job completed")
		if err := q.jobs.CompleteJob(settle, job.ID); err != nil {
			log.Error("failed to complete job", zap.Error(err))
		}
	case retryable(err) && job.Attempts < job.MaxAttempts:
		log.Warn("job failed, retrying", zap.Error(err))
		if err := q.jobs.RetryJob(settle, job.ID, q.now().Add(q.opts.RetryDelay), err.Error()); err != nil {
			log.Error("failed to reschedule job", zap.Error(err))
		}
	default:
		log.Warn("job failed", zap.Error(err))
		if err := q.jobs.FailJob(settle, job.ID, err.Error()); err != nil {
			log.Error("failed to fail job", zap.Error(err))
		}
	}
}

// run calls h, turning a panic into an error.
func run(ctx context.Context, h Handler, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

func retryable(err error) bool {
	return !apperrors.IsValidation(err) &&
		!apperrors.IsConflict(err) &&
		!apperrors.IsNotFound(err) &&
		!apperrors.IsSafetyViolation(err) &&
		!apperrors.IsTimeout(err)
}

// Decode unmarshals a job payload into T.
func Decode[T any](job *models.Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, apperrors.Validation("malformed %s payload: %v", job.Kind, err)
	}
	return v, nil
}

// Typed adapts fn to a Handler that decodes the job payload first.
func Typed[T any](fn func(ctx context.Context, payload T) error) Handler {
	return func(ctx context.Context, job *models.Job) error {
		p, err := Decode[T](job)
		if err != nil {
			return err
		}
		return fn(ctx, p)
	}
}
