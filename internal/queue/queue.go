// Package queue is an in-process priority task queue with a worker pool.
// Jobs carry a numeric priority where lower values run first.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Well-known job names.
const (
	JobSyncWebhook         = "sync:webhook"
	JobSyncIncremental     = "sync:incremental"
	JobSyncInitial         = "sync:initial"
	JobSyncManual          = "sync:manual"
	JobDevicesSync         = "devices:sync"
	JobSubscriptionsCreate = "subscriptions:create"
)

// Job is one unit of work.
type Job struct {
	Name       string
	Payload    json.RawMessage
	Priority   int
	MaxRetries int

	attempt int
	seq     uint64
}

// Handler processes one job payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// jobHeap orders by priority, then FIFO within a priority.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// Queue dispatches jobs to registered handlers on a fixed worker pool.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	jobs     jobHeap
	handlers map[string]Handler
	seq      uint64
	closed   bool

	workers    int
	retryDelay time.Duration
	wg         sync.WaitGroup
	logger     zerolog.Logger
}

// Option customizes a Queue.
type Option func(*Queue)

// WithRetryDelay sets the pause before a failed job is requeued.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) { q.retryDelay = d }
}

func New(workers int, logger zerolog.Logger, opts ...Option) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		handlers:   map[string]Handler{},
		workers:    workers,
		retryDelay: time.Second,
		logger:     logger.With().Str("component", "queue").Logger(),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register binds a handler to a job name. Must be called before Start.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Enqueue adds a job. Returns an error when the queue is stopped or the job
// name has no handler.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is stopped")
	}
	if _, ok := q.handlers[job.Name]; !ok {
		return fmt.Errorf("no handler registered for job %q", job.Name)
	}
	q.seq++
	job.seq = q.seq
	heap.Push(&q.jobs, &job)
	q.cond.Signal()
	return nil
}

// Len reports how many jobs are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs.Len()
}

// Start launches the worker pool. Workers run until Stop is called or ctx is
// canceled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	go func() {
		<-ctx.Done()
		q.Stop()
	}()
	q.logger.Info().Int("workers", q.workers).Msg("queue started")
}

// Stop wakes all workers, rejects further enqueues and waits for in-flight
// jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Info().Msg("queue stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log := q.logger.With().Int("worker", id).Logger()
	for {
		job, ok := q.next()
		if !ok {
			return
		}
		q.run(ctx, log, job)
	}
}

// next blocks until a job is available or the queue is stopped.
func (q *Queue) next() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.jobs.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.jobs.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.jobs).(*Job), true
}

// run executes one job, requeueing it on failure up to MaxRetries times.
// Panics are contained per job.
func (q *Queue) run(ctx context.Context, log zerolog.Logger, job *Job) {
	q.mu.Lock()
	handler := q.handlers[job.Name]
	q.mu.Unlock()

	err := q.invoke(ctx, handler, job)
	if err == nil {
		log.Debug().Str("job", job.Name).Int("attempt", job.attempt+1).Msg("job done")
		return
	}

	log.Error().Err(err).Str("job", job.Name).Int("attempt", job.attempt+1).Msg("job failed")
	if job.attempt >= job.MaxRetries {
		log.Error().Str("job", job.Name).Msg("job exhausted retries, dropping")
		return
	}
	job.attempt++

	if q.retryDelay > 0 {
		timer := time.NewTimer(q.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	q.mu.Lock()
	if !q.closed {
		q.seq++
		job.seq = q.seq
		heap.Push(&q.jobs, job)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

func (q *Queue) invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job.Payload)
}
