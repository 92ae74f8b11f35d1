// Package memory provides the in-process priority job queue.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

var (
	// ErrClosed is returned once the queue is closed and drained.
	ErrClosed = errors.New("queue closed")
	// ErrDuplicate is returned when a job ID is submitted twice.
	ErrDuplicate = errors.New("duplicate job id")
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when changing a job that already finished.
	ErrTerminal = errors.New("job already in a terminal state")
)

type entry struct {
	job    scrape.Job
	result *scrape.JobResult
	seq    uint64
	done   chan struct{}
	index  int
}

// pending orders entries by priority, then submission sequence.
type pending []*entry

func (p pending) Len() int { return len(p) }

func (p pending) Less(i, j int) bool {
	if p[i].job.Config.Priority != p[j].job.Config.Priority {
		return p[i].job.Config.Priority > p[j].job.Config.Priority
	}
	return p[i].seq < p[j].seq
}

func (p pending) Swap(i, j int) {
	p[i], p[j] = p[j], p[i]
	p[i].index = i
	p[j].index = j
}

func (p *pending) Push(x any) {
	e := x.(*entry)
	e.index = len(*p)
	*p = append(*p, e)
}

func (p *pending) Pop() any {
	old := *p
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*p = old[:n-1]
	return e
}

// Stats summarises the queue.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Cached    int `json:"cached"`
	Total     int `json:"total"`
	Waiting   int `json:"waiting"`
}

// Queue is a priority queue plus the job table. A single mutex guards both,
// so a job is handed to at most one worker.
type Queue struct {
	mu     sync.Mutex
	heap   pending
	jobs   map[string]*entry
	seq    uint64
	closed bool
	// notify has capacity 1 and wakes one blocked Dequeue per signal.
	notify chan struct{}
	// closing is closed by Close and wakes every blocked Dequeue.
	closing chan struct{}
	now     func() time.Time
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		jobs:    make(map[string]*entry),
		notify:  make(chan struct{}, 1),
		closing: make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit admits a job as pending.
func (q *Queue) Submit(job scrape.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.jobs[job.ID]; ok {
		return fmt.Errorf("submit %s: %w", job.ID, ErrDuplicate)
	}
	job.Status = scrape.StatusPending
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = q.now()
	}
	q.seq++
	e := &entry{job: job, seq: q.seq, done: make(chan struct{})}
	q.jobs[job.ID] = e
	heap.Push(&q.heap, e)
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryDequeue pops the highest-priority job without blocking.
func (q *Queue) TryDequeue() (scrape.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return scrape.Job{}, false
	}
	e := heap.Pop(&q.heap).(*entry)
	if q.heap.Len() > 0 {
		q.signal()
	}
	return e.job, true
}

// Dequeue blocks until a job is available, the queue is closed and empty, or
// ctx ends. Cancelled jobs are still handed out so the worker can skip them.
func (q *Queue) Dequeue(ctx context.Context) (scrape.Job, error) {
	for {
		if job, ok := q.TryDequeue(); ok {
			return job, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return scrape.Job{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return scrape.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.notify:
		case <-q.closing:
		}
	}
}

// Get returns a snapshot of the job.
func (q *Queue) Get(id string) (scrape.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return scrape.Job{}, false
	}
	return e.job, true
}

// Result returns the job's result once it has one.
func (q *Queue) Result(id string) (scrape.JobResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok || e.result == nil {
		return scrape.JobResult{}, false
	}
	return *e.result, true
}

// Done returns a channel closed when the job reaches a terminal state, or nil
// for unknown IDs.
func (q *Queue) Done(id string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return nil
	}
	return e.done
}

// MarkRunning moves a pending job to running and records the attempt start.
func (q *Queue) MarkRunning(id string) (scrape.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.lookup(id)
	if err != nil {
		return scrape.Job{}, err
	}
	if e.job.Status.IsTerminal() {
		return e.job, fmt.Errorf("start %s: %w", id, ErrTerminal)
	}
	now := q.now()
	e.job.Status = scrape.StatusRunning
	e.job.StartedAt = &now
	return e.job, nil
}

// RecordAttempt bumps the job's attempt counter.
func (q *Queue) RecordAttempt(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return 0
	}
	e.job.Attempts++
	return e.job.Attempts
}

// Complete stores a completed result.
func (q *Queue) Complete(id string, result scrape.JobResult) error {
	return q.finish(id, scrape.StatusCompleted, result)
}

// MarkCached stores a result served from the cache.
func (q *Queue) MarkCached(id string, result scrape.JobResult) error {
	return q.finish(id, scrape.StatusCached, result)
}

// Fail stores a failed result.
func (q *Queue) Fail(id string, result scrape.JobResult) error {
	return q.finish(id, scrape.StatusFailed, result)
}

// Cancel marks a pending or running job cancelled. It returns false for
// unknown or already terminal jobs.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok || e.job.Status.IsTerminal() {
		return false
	}
	now := q.now()
	e.job.Status = scrape.StatusCancelled
	e.result = &scrape.JobResult{
		JobID:       id,
		Status:      scrape.StatusCancelled,
		SubmittedAt: e.job.SubmittedAt,
		StartedAt:   e.job.StartedAt,
		CompletedAt: &now,
		Attempts:    e.job.Attempts,
	}
	close(e.done)
	return true
}

func (q *Queue) finish(id string, status scrape.JobStatus, result scrape.JobResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.lookup(id)
	if err != nil {
		return err
	}
	if e.job.Status.IsTerminal() {
		return fmt.Errorf("finish %s as %s: %w", id, status, ErrTerminal)
	}
	now := q.now()
	e.job.Status = status
	result.JobID = id
	result.Status = status
	result.SubmittedAt = e.job.SubmittedAt
	if result.StartedAt == nil {
		result.StartedAt = e.job.StartedAt
	}
	if result.CompletedAt == nil {
		result.CompletedAt = &now
	}
	if result.Attempts == 0 {
		result.Attempts = e.job.Attempts
	}
	e.result = &result
	close(e.done)
	return nil
}

func (q *Queue) lookup(id string) (*entry, error) {
	e, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return e, nil
}

// Stats counts jobs by status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, e := range q.jobs {
		switch e.job.Status {
		case scrape.StatusPending:
			s.Pending++
		case scrape.StatusRunning:
			s.Running++
		case scrape.StatusCompleted:
			s.Completed++
		case scrape.StatusFailed:
			s.Failed++
		case scrape.StatusCancelled:
			s.Cancelled++
		case scrape.StatusCached:
			s.Cached++
		}
	}
	s.Total = len(q.jobs)
	s.Waiting = q.heap.Len()
	return s
}

// Forget drops terminal jobs finished before cutoff and returns their IDs.
func (q *Queue) Forget(cutoff time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []string
	for id, e := range q.jobs {
		if e.index >= 0 || !e.job.Status.IsTerminal() || e.result == nil || e.result.CompletedAt == nil {
			continue
		}
		if e.result.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Close stops admission and wakes blocked Dequeue calls. Jobs already pending
// can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closing)
}
