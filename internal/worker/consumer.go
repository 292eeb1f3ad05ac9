// Package worker runs the message consumer loop: receive one trigger message,
// run the jobs it names against a freshly loaded cache snapshot, persist the
// snapshot once, then acknowledge. Messages are handled strictly one at a time.
package worker

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/sad-worker/internal/jobs"
	"github.com/tendant/sad-worker/internal/process"
	"github.com/tendant/sad-worker/internal/state"
	"github.com/tendant/sad-worker/pkg/schema"
)

// Message is one delivery from the transport. Exactly one of Ack or Nak is
// called for every message.
type Message interface {
	ID() string
	Data() []byte
	Ack(ctx context.Context) error
	Nak(ctx context.Context) error
}

// Source fetches the next message. It returns a nil Message when nothing
// arrived before its own wait elapsed.
type Source interface {
	Next(ctx context.Context) (Message, error)
}

// Store loads and persists the cache snapshot.
type Store interface {
	Load(ctx context.Context) (*state.Snapshot, error)
	Save(ctx context.Context, snap *state.Snapshot) error
}

// Resolver maps a job request onto handlers.
type Resolver interface {
	Resolve(req schema.JobRequest) iter.Seq2[jobs.Handler, error]
}

// Publisher publishes run-completed events.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Config struct {
	Source Source
	Store  Store
	Jobs   Resolver
	Logger *slog.Logger

	// Events and EventSubject are optional. When both are set a
	// schema.RunCompleted event is published after every message.
	Events       Publisher
	EventSubject string

	// InitialBackoff and MaxBackoff bound the wait after a failed fetch.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Consumer struct {
	source       Source
	store        Store
	jobs         Resolver
	logger       *slog.Logger
	events       Publisher
	eventSubject string
	minBackoff   time.Duration
	maxBackoff   time.Duration
	newID        func() string
}

func New(cfg Config) (*Consumer, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("worker: source is required")
	case cfg.Store == nil:
		return nil, errors.New("worker: store is required")
	case cfg.Jobs == nil:
		return nil, errors.New("worker: job resolver is required")
	}
	c := &Consumer{
		source:       cfg.Source,
		store:        cfg.Store,
		jobs:         cfg.Jobs,
		logger:       cfg.Logger,
		events:       cfg.Events,
		eventSubject: cfg.EventSubject,
		minBackoff:   cfg.InitialBackoff,
		maxBackoff:   cfg.MaxBackoff,
		newID:        uuid.NewString,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.minBackoff <= 0 {
		c.minBackoff = time.Second
	}
	if c.maxBackoff < c.minBackoff {
		c.maxBackoff = 30 * time.Second
	}
	return c, nil
}

// Run receives and handles messages until ctx is cancelled. Fetch errors are
// retried with exponential backoff.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.minBackoff
	c.logger.Info("consumer started, waiting for messages")

	for {
		if ctx.Err() != nil {
			break
		}
		msg, err := c.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("fetch message failed", "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.logger.Info("consumer stopped")
				return nil
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = c.minBackoff

		if msg == nil {
			continue
		}
		c.Handle(ctx, msg)
	}

	c.logger.Info("consumer stopped")
	return nil
}

// Handle processes one message to completion and acknowledges it. The cache
// is written once, after every requested job has run; any job-level failure
// skips the write and the message is negatively acknowledged so the transport
// redelivers it.
func (c *Consumer) Handle(ctx context.Context, msg Message) *process.Run {
	run := process.NewRun(c.newID(), msg.ID())
	logger := c.logger.With("message_id", run.MessageID, "run_id", run.ID)
	process.MarkRunning(run)
	logger.Info("received message", "payload", string(msg.Data()))

	err := c.dispatch(ctx, run, msg, logger)
	if err != nil {
		process.MarkFailed(run, err)
		logger.Error("message failed",
			"kind", run.Kind,
			"err", err,
			"payload", string(msg.Data()))
		if nakErr := msg.Nak(ctx); nakErr != nil {
			logger.Error("negative acknowledge failed", "err", nakErr)
		}
	} else {
		process.MarkSucceeded(run)
		if ackErr := msg.Ack(ctx); ackErr != nil {
			logger.Error("acknowledge failed", "err", ackErr)
		}
		logger.Info("message completed",
			"jobs", len(run.Jobs),
			"unknown_jobs", run.Unknown,
			"processing_ms", run.Duration().Milliseconds())
	}

	c.publish(run, logger)
	return run
}

func (c *Consumer) dispatch(ctx context.Context, run *process.Run, msg Message, logger *slog.Logger) error {
	req, err := schema.DecodeJobRequest(msg.Data())
	if err != nil {
		return process.Decode(err)
	}
	run.Requested = req.Names
	if req.Empty() {
		logger.Info("message names no jobs, nothing to do")
		return nil
	}

	snap, err := c.store.Load(ctx)
	if err != nil {
		return err
	}

	ran := 0
	for h, err := range c.jobs.Resolve(req) {
		if err != nil {
			var perr *process.Error
			if process.IsKind(err, process.KindUnknownJob) && errors.As(err, &perr) {
				run.Unknown = append(run.Unknown, perr.Subject)
				logger.Warn("skipping unknown job", "job", perr.Subject, "kind", process.KindUnknownJob)
				continue
			}
			return err
		}
		logger.Info("running job", "job", h.Name(), "type", h.MediaType())
		report, err := h.Run(ctx, snap)
		summary := report.Summary()
		if err != nil {
			summary.Error = err.Error()
			run.Jobs = append(run.Jobs, summary)
			return err
		}
		run.Jobs = append(run.Jobs, summary)
		ran++
	}

	if ran == 0 {
		logger.Info("no known jobs ran, cache left unchanged")
		return nil
	}
	if err := c.store.Save(ctx, snap); err != nil {
		return err
	}
	logger.Info("saved cache state", "registered_jobs", len(snap.Keys), "buckets", len(snap.Results))
	return nil
}

func (c *Consumer) publish(run *process.Run, logger *slog.Logger) {
	if c.events == nil || c.eventSubject == "" {
		return
	}
	if err := c.events.PublishJSON(c.eventSubject, run.Event()); err != nil {
		logger.Error("publish run event failed", "subject", c.eventSubject, "err", err)
	}
}
