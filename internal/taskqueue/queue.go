// Package taskqueue is a broker-independent producer/consumer worker pool
// used for deferred harmonization passes and periodic jobs.
package taskqueue

import (
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/logger"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when enqueueing into a stopped queue
var ErrStopped = errors.New("task queue stopped")

// Task is a named unit of work
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler delivers tasks after a delay
type Scheduler interface {
	EnqueueAfter(delay time.Duration, task Task) *clock.Timer
}

// Queue runs tasks on a fixed pool of workers
type Queue struct {
	clock   clock.Clock
	workers int
	tasks   chan Task

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	timers  map[*clock.Timer]struct{}
	wg      sync.WaitGroup
}

// New creates a queue with the given worker count and buffer size
func New(c clock.Clock, workers, buffer int) *Queue {
	if c == nil {
		c = clock.Real()
	}
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{
		clock:   c,
		workers: workers,
		tasks:   make(chan Task, buffer),
		timers:  make(map[*clock.Timer]struct{}),
	}
}

// Start launches the workers. Tasks run with a context derived from ctx.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(i)
	}
	logger.Log.WithField("workers", q.workers).Info("Task queue started")
}

func (q *Queue) work(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case task := <-q.tasks:
			q.run(id, task)
		}
	}
}

func (q *Queue) run(worker int, task Task) {
	start := q.clock.Now()
	fields := logrus.Fields{"task": task.Name, "worker": worker}

	defer func() {
		if r := recover(); r != nil {
			logger.Log.WithFields(fields).WithField("panic", fmt.Sprint(r)).Error("Task panicked")
		}
	}()

	if err := task.Run(q.ctx); err != nil {
		logger.Log.WithFields(fields).WithError(err).Warn("Task failed")
		return
	}
	logger.Log.WithFields(fields).WithField("duration", q.clock.Now().Sub(start)).Debug("Task completed")
}

// Enqueue submits a task, blocking while the buffer is full
func (q *Queue) Enqueue(task Task) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	ctx := q.ctx
	q.mu.Unlock()

	if ctx == nil {
		// not started yet, buffer without blocking
		select {
		case q.tasks <- task:
			return nil
		default:
			return fmt.Errorf("task queue not started and buffer full")
		}
	}

	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ErrStopped
	}
}

// EnqueueAfter submits task once delay has elapsed on the queue's clock
func (q *Queue) EnqueueAfter(delay time.Duration, task Task) *clock.Timer {
	p := &pendingTimer{}
	timer := q.clock.AfterFunc(delay, func() {
		q.mu.Lock()
		p.fired = true
		if p.timer != nil {
			delete(q.timers, p.timer)
		}
		q.mu.Unlock()

		if err := q.Enqueue(task); err != nil {
			logger.Log.WithField("task", task.Name).WithError(err).Warn("Dropping deferred task")
		}
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	p.timer = timer
	switch {
	case q.stopped:
		timer.Stop()
	case !p.fired:
		q.timers[timer] = struct{}{}
	}
	return timer
}

type pendingTimer struct {
	timer *clock.Timer
	fired bool
}

// Every submits task at a fixed interval until the queue stops. The next
// run is armed when the previous one finishes, so runs never overlap.
func (q *Queue) Every(interval time.Duration, task Task) {
	var schedule func()
	schedule = func() {
		q.mu.Lock()
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			return
		}
		q.EnqueueAfter(interval, Task{
			Name: task.Name,
			Run: func(ctx context.Context) error {
				defer schedule()
				return task.Run(ctx)
			},
		})
	}
	schedule()
}

// Pending returns the number of armed timers
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Stop cancels pending timers, stops the workers and waits for running tasks
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = make(map[*clock.Timer]struct{})
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	logger.Log.Info("Task queue stopped")
}
