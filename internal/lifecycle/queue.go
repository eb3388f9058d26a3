package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/metrics"
	log "github.com/sirupsen/logrus"
)

const defaultTaskTimeout = 30 * time.Second

// Task is one unit of post-response work.
type Task struct {
	Kind      string
	AccountID uint64
	Run       func(ctx context.Context) error
}

// Queue is a bounded work queue drained by a fixed worker pool. Submit never
// blocks; a full queue drops the task.
type Queue struct {
	tasks       chan Task
	workers     int
	taskTimeout time.Duration
	metrics     *metrics.Metrics

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewQueue constructs a queue holding up to size pending tasks.
func NewQueue(size, workers int, m *metrics.Metrics) *Queue {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		tasks:       make(chan Task, size),
		workers:     workers,
		taskTimeout: defaultTaskTimeout,
		metrics:     m,
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.work(i)
		}
		log.Infof("lifecycle queue started (workers=%d, size=%d)", q.workers, cap(q.tasks))
	})
}

// Submit enqueues task and reports whether it was accepted.
func (q *Queue) Submit(task Task) bool {
	if q == nil || task.Run == nil {
		return false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.tasks <- task:
		q.metrics.SetQueueDepth(q.Len())
		return true
	default:
		q.metrics.QueueDropped()
		log.WithFields(log.Fields{
			"kind":       task.Kind,
			"account_id": task.AccountID,
		}).Warn("lifecycle: queue full, task dropped")
		return false
	}
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.tasks)
}

// Shutdown stops accepting tasks and waits for pending ones to finish.
func (q *Queue) Shutdown(ctx context.Context) error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	q.Start()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lifecycle: shutdown: %w", ctx.Err())
	}
}

func (q *Queue) work(id int) {
	defer q.wg.Done()
	for task := range q.tasks {
		q.metrics.SetQueueDepth(q.Len())
		q.run(id, task)
	}
}

func (q *Queue) run(id int, task Task) {
	entry := log.WithFields(log.Fields{
		"worker":     id,
		"kind":       task.Kind,
		"account_id": task.AccountID,
	})
	defer func() {
		if r := recover(); r != nil {
			q.metrics.LifecycleTask(task.Kind, "panic")
			entry.Errorf("lifecycle: task panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.taskTimeout)
	defer cancel()
	if errRun := task.Run(ctx); errRun != nil {
		q.metrics.LifecycleTask(task.Kind, "error")
		entry.WithError(errRun).Warn("lifecycle: task failed")
		return
	}
	q.metrics.LifecycleTask(task.Kind, "ok")
}
