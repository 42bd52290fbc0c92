// Package workerpool provides a bounded, key-ordered worker pool.
// Tasks that share a key always run on the same worker, one after another,
// so per-key ordering survives concurrent processing.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("worker pool stopped")

// Task represents a unit of work to be processed
type Task struct {
	ID string
	// Key selects the worker. Tasks with equal keys run in submission order.
	Key     string
	Payload interface{}
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Attempts int
	Err      error
}

// WorkerFunc processes one task
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the per-worker queue length
	QueueSize int
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// RetryDelay grows linearly with each attempt
	RetryDelay time.Duration
	// Retryable decides whether an error is retried. Nil retries everything.
	Retryable func(error) bool
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type job struct {
	ctx    context.Context
	task   *Task
	result chan Result
}

// Pool dispatches tasks to workers by key
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	queues  []chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	p := &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		queues:     make([]chan job, cfg.Workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan job, cfg.QueueSize)
	}
	return p, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(i, q)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task and returns a channel that receives its result.
// It blocks while the worker's queue is full, until ctx is done.
func (p *Pool) Submit(ctx context.Context, task *Task) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	j := job{ctx: ctx, task: task, result: make(chan Result, 1)}
	select {
	case p.queues[p.slot(task.Key)] <- j:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		return j.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run submits every task and waits for all results, in task order
func (p *Pool) Run(ctx context.Context, tasks []*Task) ([]Result, error) {
	pending := make([]<-chan Result, 0, len(tasks))
	for _, t := range tasks {
		ch, err := p.Submit(ctx, t)
		if err != nil {
			return nil, err
		}
		pending = append(pending, ch)
	}

	results := make([]Result, 0, len(tasks))
	for _, ch := range pending {
		select {
		case r := <-ch:
			results = append(results, r)
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}
	return results, nil
}

func (p *Pool) slot(key string) int {
	if key == "" || len(p.queues) == 1 {
		return int(atomic.LoadInt64(&p.tasksSubmitted) % int64(len(p.queues)))
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Stop drains queued tasks and waits for the workers
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool: shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int, queue <-chan job) {
	defer p.wg.Done()
	for j := range queue {
		j.result <- p.process(id, j)
	}
}

func (p *Pool) process(workerID int, j job) Result {
	res := Result{TaskID: j.task.ID}
	for attempt := 0; ; attempt++ {
		if err := j.ctx.Err(); err != nil {
			res.Err = err
			break
		}

		res.Attempts = attempt + 1
		res.Err = p.workerFunc(j.ctx, j.task)
		if res.Err == nil {
			break
		}
		if attempt >= p.config.MaxRetries || !p.retryable(res.Err) {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", j.task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Err))

		select {
		case <-j.ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if res.Err == nil {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Warn("task failed",
			zap.String("task_id", j.task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err))
	}
	return res
}

func (p *Pool) retryable(err error) bool {
	if p.config.Retryable == nil {
		return true
	}
	return p.config.Retryable(err)
}

// Stats is a snapshot of pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	depth := 0
	for _, q := range p.queues {
		depth += len(q)
	}
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		QueueDepth:     depth,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether queues are below 90% of capacity
func (p *Pool) IsHealthy() bool {
	capacity := p.config.Workers * p.config.QueueSize
	return float64(p.Stats().QueueDepth)/float64(capacity) < 0.9
}
