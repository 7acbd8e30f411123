package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrExecutorStarted = errors.New("executor: already started")
	ErrExecutorStopped = errors.New("executor: stopped")
	ErrQueueFull       = errors.New("executor: queue full")
)

// Task is one unit of detached background work.
type Task struct {
	ID      string
	Timeout time.Duration
	Run     func(context.Context) error
}

// ExecutorStats is a point-in-time view of the pool.
type ExecutorStats struct {
	Started   bool   `json:"started"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	InFlight  int64  `json:"in_flight"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Executor runs tasks on a fixed worker pool, detached from the request
// that submitted them. Each task runs inside its own error boundary: a
// failure or panic is logged and never reaches other tasks.
type Executor struct {
	log *slog.Logger

	mu       sync.Mutex
	tasks    chan Task
	started  bool
	stopping bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// outstanding counts accepted tasks that have not finished. It rises in
	// Submit and falls after run, so a dequeued task is never invisible to Stop.
	outstanding atomic.Int64
	inFlight    atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

func NewExecutor(buffer int, log *slog.Logger) *Executor {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		log:   log.With("component", "processor.executor"),
		tasks: make(chan Task, buffer),
	}
}

// Start launches workers. They inherit parent's values but not its
// cancellation: accepted tasks keep running until Stop cancels them.
func (e *Executor) Start(parent context.Context, workers int) error {
	if workers <= 0 {
		workers = 4
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrExecutorStarted
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	e.cancel = cancel
	e.started = true
	e.stopping = false

	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.log.Debug("Executor started", "workers", workers, "capacity", cap(e.tasks))
	return nil
}

// Submit queues task without blocking.
func (e *Executor) Submit(task Task) error {
	if task.Run == nil {
		return errors.New("executor: task run func is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping || !e.started {
		e.rejected.Add(1)
		return ErrExecutorStopped
	}

	e.outstanding.Add(1)
	select {
	case e.tasks <- task:
		e.submitted.Add(1)
		return nil
	default:
		e.outstanding.Add(-1)
		e.rejected.Add(1)
		return ErrQueueFull
	}
}

func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()

	return ExecutorStats{
		Started:   started,
		Depth:     len(e.tasks),
		Capacity:  cap(e.tasks),
		InFlight:  e.inFlight.Load(),
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		Rejected:  e.rejected.Load(),
	}
}

// Stop refuses new tasks, waits up to timeout for queued and running tasks,
// then cancels whatever is left.
func (e *Executor) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	cancel := e.cancel
	e.mu.Unlock()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	timedOut := false
	for e.outstanding.Load() > 0 {
		if timeout > 0 && time.Now().After(deadline) {
			timedOut = true
			break
		}
		<-ticker.C
	}

	cancel()
	e.wg.Wait()

	dropped := 0
	for len(e.tasks) > 0 {
		task := <-e.tasks
		e.outstanding.Add(-1)
		e.log.Warn("Background task dropped at shutdown", "task_id", task.ID)
		dropped++
	}

	e.mu.Lock()
	e.started = false
	e.mu.Unlock()

	if timedOut {
		return fmt.Errorf("executor: stop timeout after %s with %d dropped", timeout, dropped)
	}
	return nil
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.tasks:
			e.inFlight.Add(1)
			e.run(ctx, task)
			e.inFlight.Add(-1)
			e.outstanding.Add(-1)
		}
	}
}

func (e *Executor) run(parent context.Context, task Task) {
	ctx := parent
	cancel := func() {}
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	}
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panic: %v", r)
			}
		}()
		return task.Run(ctx)
	}()
	if err != nil {
		e.failed.Add(1)
		e.log.Error("Background task failed", "task_id", task.ID, "error", err)
		return
	}
	e.completed.Add(1)
}
