package power

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/metrics"
)

// ErrQueueClosed is returned when submitting to a closed queue.
var ErrQueueClosed = errors.New("task queue closed")

// ErrQueueFull is returned when the queue has no room left.
var ErrQueueFull = errors.New("task queue full")

// Task is a unit of background work.
type Task func(ctx context.Context)

// Queue runs tasks one at a time on a background goroutine, in submission
// order, so that slow registry writes never sit on a request path.
type Queue struct {
	tasks   chan Task
	pending sync.WaitGroup

	// mu guards isClosed against a Submit racing Close
	mu       sync.RWMutex
	isClosed bool
	closed   chan struct{}
	done     chan struct{}

	monitor *metrics.Monitor
	logger  *zap.Logger
}

// NewQueue creates a queue holding at most size waiting tasks and starts
// its worker. ctx is handed to every task.
func NewQueue(ctx context.Context, size int, monitor *metrics.Monitor, logger *zap.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		tasks:   make(chan Task, size),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		monitor: monitor,
		logger:  logger,
	}
	go q.run(ctx)
	return q
}

// Submit enqueues a task without blocking.
func (q *Queue) Submit(task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.isClosed {
		return ErrQueueClosed
	}

	q.pending.Add(1)
	select {
	case q.tasks <- task:
		q.monitor.SetQueueDepth(len(q.tasks))
		return nil
	default:
		q.pending.Done()
		return ErrQueueFull
	}
}

// Sync blocks until every task submitted so far has run, or ctx is done.
func (q *Queue) Sync(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs the ones already queued and waits for
// the worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.isClosed {
		q.isClosed = true
		close(q.closed)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case task := <-q.tasks:
			q.exec(ctx, task)
		case <-q.closed:
			for {
				select {
				case task := <-q.tasks:
					q.exec(ctx, task)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) exec(ctx context.Context, task Task) {
	defer q.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("background task panicked", zap.Any("panic", r))
		}
	}()
	q.monitor.SetQueueDepth(len(q.tasks))
	task(ctx)
}
