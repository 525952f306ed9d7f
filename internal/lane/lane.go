// Package lane implements the single-concurrency admission queue that
// serializes external-provider execution per provider. One lane exists per
// provider regardless of how many sessions are in flight; a worker pulls the
// next job only after the previous one has fully settled, so two executions
// for the same provider can never overlap within a process, and the
// provider-queue lock extends that guarantee across processes.
package lane

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/metrics"
	"github.com/veldt-labs/deepresearch/internal/models"
)

// Outcome is the settled result of one lane job.
type Outcome struct {
	Terminal bool
	Err      error
}

// Task executes one admitted job. terminal=true means the provider result
// reached a terminal status and no further admissions are needed.
type Task func(ctx context.Context) (terminal bool, err error)

type entry struct {
	job  models.LaneJob
	task Task
	ctx  context.Context

	done    chan struct{}
	outcome Outcome // written before done is closed
}

// Ticket lets a caller wait for the job it enqueued (or collapsed onto) to
// settle. All callers holding tickets for the same idempotency key observe
// the same outcome.
type Ticket struct {
	e *entry
}

// Wait blocks until the job settles or the context is cancelled.
// Cancellation abandons the wait only; the job itself keeps running.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.e.done:
		return t.e.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Lane is the admission queue for one provider. Concurrency is fixed at 1.
type Lane struct {
	provider string
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]*entry
	queue    []*entry
	draining bool
}

// New creates a lane for the given provider.
func New(provider string, logger *zap.Logger) *Lane {
	return &Lane{
		provider: provider,
		logger:   logger,
		inflight: make(map[string]*entry),
	}
}

// Provider returns the provider this lane serves.
func (l *Lane) Provider() string { return l.provider }

// Enqueue admits a job. Jobs are executed in FIFO admission order. A second
// enqueue with the same idempotency key does not start a second execution:
// both callers receive a ticket for the same in-flight job and observe the
// same outcome.
func (l *Lane) Enqueue(ctx context.Context, job models.LaneJob, task Task) *Ticket {
	key := job.IdempotencyKey()

	l.mu.Lock()
	if existing, ok := l.inflight[key]; ok {
		l.mu.Unlock()
		metrics.LaneJobsDeduped.WithLabelValues(l.provider).Inc()
		l.logger.Debug("Lane enqueue collapsed onto in-flight job",
			zap.String("provider", l.provider),
			zap.String("idempotency_key", key),
		)
		return &Ticket{e: existing}
	}

	e := &entry{job: job, task: task, ctx: ctx, done: make(chan struct{})}
	l.inflight[key] = e
	l.queue = append(l.queue, e)
	metrics.LaneJobsEnqueued.WithLabelValues(l.provider).Inc()
	metrics.LaneDepth.WithLabelValues(l.provider).Set(float64(len(l.queue)))

	start := !l.draining
	if start {
		l.draining = true
	}
	l.mu.Unlock()

	if start {
		go l.drain()
	}
	return &Ticket{e: e}
}

// drain runs queued jobs one at a time until the queue empties.
func (l *Lane) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		e := l.queue[0]
		l.queue = l.queue[1:]
		metrics.LaneDepth.WithLabelValues(l.provider).Set(float64(len(l.queue)))
		l.mu.Unlock()

		l.run(e)
	}
}

// run executes one job and settles it. Panics inside the task are recovered
// and settle the job as failed so waiters never hang.
func (l *Lane) run(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			e.outcome = Outcome{Terminal: true, Err: fmt.Errorf("lane task panic: %v", r)}
			l.logger.Error("Lane task panicked",
				zap.String("provider", l.provider),
				zap.String("session_id", e.job.SessionID.String()),
				zap.Any("panic", r),
			)
		}
		l.settle(e)
	}()

	terminal, err := e.task(e.ctx)
	e.outcome = Outcome{Terminal: terminal, Err: err}
}

func (l *Lane) settle(e *entry) {
	outcome := "ok"
	switch {
	case e.outcome.Err != nil:
		outcome = "error"
	case !e.outcome.Terminal:
		outcome = "pending"
	}
	metrics.LaneJobsCompleted.WithLabelValues(l.provider, outcome).Inc()

	l.mu.Lock()
	delete(l.inflight, e.job.IdempotencyKey())
	l.mu.Unlock()
	close(e.done)
}

// Registry holds the per-provider lanes for one process. It replaces any
// process-global queue maps: constructed once and passed by reference.
type Registry struct {
	mu     sync.Mutex
	lanes  map[string]*Lane
	logger *zap.Logger
}

// NewRegistry creates an empty lane registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{lanes: make(map[string]*Lane), logger: logger}
}

// Lane returns the lane for a provider, creating it on first use.
func (r *Registry) Lane(provider string) *Lane {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.lanes[provider]; ok {
		return l
	}
	l := New(provider, r.logger)
	r.lanes[provider] = l
	return l
}
