package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/observability"

	"github.com/google/uuid"
)

// Pool errors
var (
	ErrQueueFull  = stderrors.New("dispatch queue is full")
	ErrPoolClosed = stderrors.New("dispatch pool is closed")
)

// Pool defaults
const (
	DefaultPoolWorkers   = 8
	DefaultPoolQueueSize = 256
)

// Task is one unit of webhook work
type Task struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
}

// PoolStats counts tasks since the pool started
type PoolStats struct {
	Queued    int64
	Completed int64
	Failed    int64
	Dropped   int64
	Depth     int
}

// TaskPool runs tasks on a fixed set of workers fed by a bounded queue. Submissions to a
// full queue are dropped rather than blocking the caller.
type TaskPool struct {
	queue   chan Task
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *observability.Metrics
	logger  logging.Logger

	queued    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewTaskPool starts workers goroutines
func NewTaskPool(workers, queueSize int, metrics *observability.Metrics, logger logging.Logger) *TaskPool {
	if workers <= 0 {
		workers = DefaultPoolWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultPoolQueueSize
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &TaskPool{
		queue:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		metrics: metrics,
		logger:  logger.WithFields(logging.String("component", "task_pool")),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	p.logger.Info("Task pool started", logging.Int("workers", workers), logging.Int("queue_size", queueSize))
	return p
}

// Submit queues fn and returns the task id
func (p *TaskPool) Submit(name string, fn func(ctx context.Context) error) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return "", ErrPoolClosed
	}

	task := Task{ID: uuid.NewString(), Name: name, Run: fn}
	select {
	case p.queue <- task:
		p.queued.Add(1)
		p.metrics.RecordQueueSize(p.ctx, int64(len(p.queue)))
		return task.ID, nil
	default:
		p.dropped.Add(1)
		p.metrics.RecordTaskDropped(p.ctx)
		p.logger.Warn("Task dropped, queue full", logging.String("task", name))
		return "", ErrQueueFull
	}
}

// Stats returns the current counters
func (p *TaskPool) Stats() PoolStats {
	return PoolStats{
		Queued:    p.queued.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Depth:     len(p.queue),
	}
}

// Close stops accepting tasks and waits for queued ones to finish. When ctx expires first,
// running tasks are cancelled and ctx's error is returned.
func (p *TaskPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.logger.Info("Task pool shutting down", logging.Int("queued", len(p.queue)))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Task pool shutdown complete",
			logging.Any("completed", p.completed.Load()),
			logging.Any("failed", p.failed.Load()),
			logging.Any("dropped", p.dropped.Load()),
		)
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("Task pool shutdown timed out", logging.Int("remaining", len(p.queue)))
		return ctx.Err()
	}
}

func (p *TaskPool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
		p.metrics.RecordQueueSize(p.ctx, int64(len(p.queue)))
	}
}

func (p *TaskPool) run(task Task) {
	logger := p.logger.WithFields(logging.String("task", task.Name), logging.String("task_id", task.ID))
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("task panicked: %v", rec)
				logger.Error("Task panicked", err, logging.String("stack", string(debug.Stack())))
			}
		}()
		return task.Run(p.ctx)
	}()

	if err != nil {
		p.failed.Add(1)
		logger.Error("Task failed", err, logging.Duration("duration", time.Since(start)))
		return
	}
	p.completed.Add(1)
	logger.Debug("Task completed", logging.Duration("duration", time.Since(start)))
}
