// Package jobs runs named background tasks on a bounded worker pool and
// keeps an in-memory registry of their states, so HTTP callers can poll
// long-running work and cancel it.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"infonomy/internal/logger"

	"github.com/google/uuid"
)

// Job states, in lifecycle order.
const (
	StatePending = "pending"
	StateStarted = "started"
	StateSuccess = "success"
	StateFailure = "failure"
)

// Job is a registry snapshot. Result is set on success, Error on failure.
type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Fn is the work itself. It must honor ctx: cancellation via Cancel or
// Shutdown arrives there.
type Fn func(ctx context.Context) (any, error)

// Runner executes jobs with at most `workers` running at once.
type Runner struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
	closed  bool

	sem  chan struct{}
	wg   sync.WaitGroup
	base context.Context
	stop context.CancelFunc
}

func NewRunner(workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
		sem:     make(chan struct{}, workers),
		base:    base,
		stop:    stop,
	}
}

// Submit queues fn and returns its job id immediately.
func (r *Runner) Submit(name string, fn Fn) string {
	id := uuid.NewString()
	job := &Job{ID: id, Name: name, State: StatePending, CreatedAt: time.Now()}

	r.mu.Lock()
	if r.closed {
		job.State = StateFailure
		job.Error = "runner stopped"
		job.FinishedAt = time.Now()
		r.jobs[id] = job
		r.mu.Unlock()
		return id
	}
	ctx, cancel := context.WithCancel(r.base)
	r.jobs[id] = job
	r.cancels[id] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.sem <- struct{}{}
		defer func() { <-r.sem }()

		r.setStarted(id)
		result, err := fn(ctx)
		r.finish(id, result, err)
		cancel()
	}()
	return id
}

func (r *Runner) setStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j := r.jobs[id]; j != nil {
		j.State = StateStarted
		j.StartedAt = time.Now()
	}
}

func (r *Runner) finish(id string, result any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	if j == nil {
		return
	}
	j.FinishedAt = time.Now()
	if err != nil {
		j.State = StateFailure
		j.Error = err.Error()
		logger.Warn("JOBS", fmt.Sprintf("%s (%s) failed: %v", j.Name, id, err))
	} else {
		j.State = StateSuccess
		j.Result = result
	}
	delete(r.cancels, id)
}

// Get returns a snapshot of one job.
func (r *Runner) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Cancel signals a running job's context. Reports whether the job was
// still cancellable.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown stops accepting work, cancels everything in flight, and waits
// for workers to drain or the context to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
