// Package worker runs the event queue: a bounded pool of goroutines pulls
// envelopes off a channel and hands each to the resume coordinator. The
// failure pipeline glue lives here too, connecting the coordinator's
// failure reports to analysis and notification.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/stagehand/internal/events"
	"github.com/lucasnoah/stagehand/internal/metrics"
	"github.com/lucasnoah/stagehand/internal/resume"
)

// ErrQueueFull is returned by Enqueue when the queue has no room. Callers
// surface it as backpressure rather than blocking the webhook endpoint.
var ErrQueueFull = errors.New("event queue is full")

// Handler processes one envelope. Interface for testing.
type Handler interface {
	HandleEvent(ctx context.Context, env *events.Envelope) resume.Result
}

// Pool is a bounded event-processing pool. Envelopes queue on a buffered
// channel; a fixed set of workers drains it concurrently, so no event
// blocks another beyond queue capacity.
type Pool struct {
	handler Handler
	queue   chan *events.Envelope
	workers int
	metrics *metrics.Registry
	logger  *zap.Logger
}

// NewPool builds a Pool with the given worker count and queue capacity.
// Non-positive values fall back to 1.
func NewPool(handler Handler, workers, queueSize int, reg *metrics.Registry, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Pool{
		handler: handler,
		queue:   make(chan *events.Envelope, queueSize),
		workers: workers,
		metrics: reg,
		logger:  logger,
	}
}

// Enqueue queues an envelope without blocking; a full queue returns
// ErrQueueFull.
func (p *Pool) Enqueue(env *events.Envelope) error {
	select {
	case p.queue <- env:
		p.metrics.Set(metrics.EventQueueDepth, nil, float64(len(p.queue)))
		return nil
	default:
		p.metrics.Inc(metrics.EventQueueRejected, nil, 1)
		return ErrQueueFull
	}
}

// Depth reports the number of queued envelopes.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// Run processes the queue until ctx is cancelled and returns the
// cancellation cause. Safe to call once.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case env := <-p.queue:
					p.process(ctx, env)
				}
			}
		})
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cap(p.queue)))
	return g.Wait()
}

func (p *Pool) process(ctx context.Context, env *events.Envelope) {
	res := p.handler.HandleEvent(ctx, env)
	p.metrics.Set(metrics.EventQueueDepth, nil, float64(len(p.queue)))
	if res.Success {
		return
	}
	// The coordinator already logged the details; this is queue-level
	// visibility only.
	p.logger.Debug("event finished without a resume",
		zap.String("event_id", res.EventID),
		zap.String("error", res.Error))
}
