package services

import (
	"context"
	"sync"

	"ticketflow/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Job types carried by the background queue.
const (
	JobTicketEvent  = "ticket_event"
	JobNotification = "notification"
)

// CascadeChain travels with cascade jobs to bound re-triggering: a rule
// already visited in the chain is never re-run, and the chain depth is
// capped by the engine config.
type CascadeChain struct {
	Visited []uint `json:"visited"`
	Depth   int    `json:"depth"`
}

func (c CascadeChain) Contains(ruleID uint) bool {
	for _, id := range c.Visited {
		if id == ruleID {
			return true
		}
	}
	return false
}

// Next returns the chain extended by one hop through ruleID.
func (c CascadeChain) Next(ruleID uint) CascadeChain {
	visited := make([]uint, 0, len(c.Visited)+1)
	visited = append(visited, c.Visited...)
	visited = append(visited, ruleID)
	return CascadeChain{Visited: visited, Depth: c.Depth + 1}
}

// Job is one unit of background work: a cascade re-evaluation or a
// notification side effect.
type Job struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	TicketID     uint         `json:"ticket_id,omitempty"`
	Event        string       `json:"event,omitempty"`
	Performer    string       `json:"performer,omitempty"`
	Chain        CascadeChain `json:"chain"`
	Notification *Message     `json:"notification,omitempty"`
	Attempts     int          `json:"attempts"`
}

// TaskQueue is the engine's collaborator for deferred work. Enqueue is
// fire-and-forget; delivery is at-least-once with the queue owning retries.
type TaskQueue interface {
	Enqueue(job Job) bool
}

// JobHandler processes one dequeued job.
type JobHandler func(ctx context.Context, job Job) error

const maxJobAttempts = 3

// WorkerQueue is an in-process TaskQueue backed by a buffered channel and a
// fixed worker pool.
type WorkerQueue struct {
	jobs    chan Job
	workers int
	logger  *logrus.Logger

	mu      sync.RWMutex
	handler JobHandler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewWorkerQueue(workers, depth int, logger *logrus.Logger) *WorkerQueue {
	if workers <= 0 {
		workers = 4
	}
	if depth <= 0 {
		depth = 256
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &WorkerQueue{
		jobs:    make(chan Job, depth),
		workers: workers,
		logger:  logger,
	}
}

// SetHandler wires the job handler. Must be called before Start; kept
// separate from the constructor because the execution service and the queue
// reference each other.
func (q *WorkerQueue) SetHandler(h JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

func (q *WorkerQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Stop drains in-flight workers. Pending jobs are abandoned; the queue is
// not a durable broker.
func (q *WorkerQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue is non-blocking; a full queue rejects the job.
func (q *WorkerQueue) Enqueue(job Job) bool {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	select {
	case q.jobs <- job:
		metrics.JobsEnqueued.WithLabelValues(job.Type).Inc()
		metrics.QueueDepth.Set(float64(len(q.jobs)))
		return true
	default:
		metrics.JobsDropped.Inc()
		q.logger.Warnf("queue full, dropping %s job %s", job.Type, job.ID)
		return false
	}
}

func (q *WorkerQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			metrics.QueueDepth.Set(float64(len(q.jobs)))
			q.run(ctx, job)
		}
	}
}

func (q *WorkerQueue) run(ctx context.Context, job Job) {
	q.mu.RLock()
	h := q.handler
	q.mu.RUnlock()
	if h == nil {
		q.logger.Warnf("no handler registered, dropping job %s", job.ID)
		return
	}
	if err := h(ctx, job); err != nil {
		job.Attempts++
		if job.Attempts >= maxJobAttempts {
			q.logger.Errorf("job %s (%s) failed after %d attempts: %v", job.ID, job.Type, job.Attempts, err)
			return
		}
		q.logger.Warnf("job %s (%s) failed, retrying: %v", job.ID, job.Type, err)
		q.Enqueue(job)
	}
}

// SyncQueue runs jobs inline on Enqueue. Used by the CLI one-shot runner
// and tests, where cascades must complete before returning.
type SyncQueue struct {
	mu      sync.RWMutex
	handler JobHandler
	logger  *logrus.Logger
}

func NewSyncQueue(logger *logrus.Logger) *SyncQueue {
	if logger == nil {
		logger = logrus.New()
	}
	return &SyncQueue{logger: logger}
}

func (q *SyncQueue) SetHandler(h JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

func (q *SyncQueue) Enqueue(job Job) bool {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	q.mu.RLock()
	h := q.handler
	q.mu.RUnlock()
	if h == nil {
		return false
	}
	metrics.JobsEnqueued.WithLabelValues(job.Type).Inc()
	if err := h(context.Background(), job); err != nil {
		q.logger.Warnf("job %s (%s) failed: %v", job.ID, job.Type, err)
		return false
	}
	return true
}
