package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"knowledgeroute/internal/models"
)

// ErrQueueEmpty is returned by Dequeue when nothing arrived within the wait
var ErrQueueEmpty = errors.New("task queue empty")

// DefaultTaskLease is how long a dequeued task may stay unacknowledged before
// it is delivered again
const DefaultTaskLease = 10 * time.Minute

// TaskQueue hands evaluation tasks to a background consumer. Higher priority
// is served first; equal priorities are FIFO. Delivery is at-least-once:
// Dequeue leases a task, and a task that is neither acked nor requeued before
// its lease runs out is delivered again.
type TaskQueue interface {
	Enqueue(ctx context.Context, task models.EvaluationTask) (string, error)
	Dequeue(ctx context.Context, wait time.Duration) (*models.EvaluationTask, error)
	// Ack settles a delivered task for good
	Ack(ctx context.Context, taskID string) error
	// Requeue puts a delivered task back at the end of its priority, payload replaced
	Requeue(ctx context.Context, task models.EvaluationTask) error
	Len(ctx context.Context) (int64, error)
	Close() error
}

// prepareTask assigns an id and enqueue time when missing
func prepareTask(task *models.EvaluationTask, now time.Time) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now
	}
}

type queuedTask struct {
	task     models.EvaluationTask
	seq      uint64
	deadline time.Time // set while leased
}

// MemoryTaskQueue is an in-process TaskQueue for development and tests
type MemoryTaskQueue struct {
	mu       sync.Mutex
	tasks    []queuedTask // sorted: priority desc, seq asc
	inflight map[string]queuedTask
	seq      uint64
	lease    time.Duration
	notify   chan struct{}
	closed   bool
}

// NewMemoryTaskQueue creates an empty queue
func NewMemoryTaskQueue() *MemoryTaskQueue {
	return &MemoryTaskQueue{
		inflight: make(map[string]queuedTask),
		lease:    DefaultTaskLease,
		notify:   make(chan struct{}, 1),
	}
}

// SetLease changes how long dequeued tasks stay leased
func (q *MemoryTaskQueue) SetLease(d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	q.lease = d
	q.mu.Unlock()
}

func (q *MemoryTaskQueue) Enqueue(ctx context.Context, task models.EvaluationTask) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", errors.New("task queue closed")
	}

	prepareTask(&task, time.Now())
	q.seq++
	q.insert(queuedTask{task: task, seq: q.seq})
	q.wake()
	return task.ID, nil
}

// insert places item by priority desc, then seq asc. Caller holds mu.
func (q *MemoryTaskQueue) insert(item queuedTask) {
	item.deadline = time.Time{}
	idx := sort.Search(len(q.tasks), func(i int) bool {
		other := q.tasks[i]
		if other.task.Priority != item.task.Priority {
			return other.task.Priority < item.task.Priority
		}
		return other.seq > item.seq
	})
	q.tasks = append(q.tasks, queuedTask{})
	copy(q.tasks[idx+1:], q.tasks[idx:])
	q.tasks[idx] = item
}

func (q *MemoryTaskQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryTaskQueue) Dequeue(ctx context.Context, wait time.Duration) (*models.EvaluationTask, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if task, ok := q.pop(); ok {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			if task, ok := q.pop(); ok {
				return task, nil
			}
			return nil, ErrQueueEmpty
		case <-q.notify:
		}
	}
}

// pop returns expired leases to the queue, then leases the head task
func (q *MemoryTaskQueue) pop() (*models.EvaluationTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for id, item := range q.inflight {
		if now.After(item.deadline) {
			delete(q.inflight, id)
			q.insert(item)
		}
	}

	if len(q.tasks) == 0 {
		return nil, false
	}
	item := q.tasks[0]
	q.tasks = q.tasks[1:]
	item.deadline = now.Add(q.lease)
	q.inflight[item.task.ID] = item

	task := item.task
	return &task, true
}

func (q *MemoryTaskQueue) Ack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, taskID)
	return nil
}

func (q *MemoryTaskQueue) Requeue(ctx context.Context, task models.EvaluationTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, task.ID)
	prepareTask(&task, time.Now())
	q.seq++
	q.insert(queuedTask{task: task, seq: q.seq})
	q.wake()
	return nil
}

// Len counts tasks waiting for delivery; leased tasks are not included
func (q *MemoryTaskQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.tasks)), nil
}

func (q *MemoryTaskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
