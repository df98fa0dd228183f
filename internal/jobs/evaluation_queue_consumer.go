package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"knowledgeroute/internal/models"
	"knowledgeroute/internal/services"
)

// MaxTaskAttempts is how many times a failing evaluation task is delivered before it is dropped
const MaxTaskAttempts = 3

// settleTimeout bounds an ack or requeue, which still runs after the job context is cancelled
const settleTimeout = 5 * time.Second

// TaskProcessor evaluates and stores one queued distribution
type TaskProcessor interface {
	ProcessQueuedTask(ctx context.Context, task *models.EvaluationTask) (*services.DistributionResult, error)
}

// EvaluationQueueConsumer drains the evaluation queue. Each run processes up
// to batchSize tasks, then yields back to the scheduler.
type EvaluationQueueConsumer struct {
	queue     services.TaskQueue
	processor TaskProcessor
	pollWait  time.Duration
	interval  time.Duration
	batchSize int
	lastRun   time.Time
}

// NewEvaluationQueueConsumer creates the consumer job
func NewEvaluationQueueConsumer(queue services.TaskQueue, processor TaskProcessor, pollWait time.Duration) *EvaluationQueueConsumer {
	if pollWait <= 0 {
		pollWait = 5 * time.Second
	}
	return &EvaluationQueueConsumer{
		queue:     queue,
		processor: processor,
		pollWait:  pollWait,
		interval:  time.Second,
		batchSize: 50,
	}
}

// Run processes queued tasks until the queue stays empty for pollWait or the batch is done
func (c *EvaluationQueueConsumer) Run(ctx context.Context) error {
	defer func() { c.lastRun = time.Now() }()

	processed, failed := 0, 0
	for i := 0; i < c.batchSize; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, err := c.queue.Dequeue(ctx, c.pollWait)
		if errors.Is(err, services.ErrQueueEmpty) {
			break
		}
		if err != nil {
			return err
		}

		if _, err := c.processor.ProcessQueuedTask(ctx, task); err != nil {
			failed++
			c.retry(ctx, task, err)
			continue
		}
		c.ack(ctx, task, "processed")
		processed++
	}

	if processed > 0 || failed > 0 {
		log.Printf("📥 [EVAL-QUEUE] Processed %d task(s), %d failed", processed, failed)
	}
	return nil
}

// retry puts a failed task back with its attempt count bumped, or drops it.
// A task interrupted by shutdown goes back without using up an attempt.
func (c *EvaluationQueueConsumer) retry(ctx context.Context, task *models.EvaluationTask, cause error) {
	if ctx.Err() != nil {
		log.Printf("⏸️  [EVAL-QUEUE] Task %s interrupted, returning it to the queue", task.ID)
		c.requeue(ctx, task)
		return
	}

	task.Attempts++
	if task.Attempts >= MaxTaskAttempts {
		log.Printf("❌ [EVAL-QUEUE] Dropping task %s for distribution %s after %d attempts: %v",
			task.ID, task.DistributionID, task.Attempts, cause)
		c.ack(ctx, task, "dropped")
		return
	}

	log.Printf("⚠️ [EVAL-QUEUE] Task %s failed (attempt %d/%d), requeueing: %v",
		task.ID, task.Attempts, MaxTaskAttempts, cause)
	c.requeue(ctx, task)
}

// requeue and ack outlive ctx so a task is never lost to a cancelled job.
// If they still fail the lease runs out and the task is delivered again.
func (c *EvaluationQueueConsumer) requeue(ctx context.Context, task *models.EvaluationTask) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := c.queue.Requeue(settleCtx, *task); err != nil {
		log.Printf("❌ [EVAL-QUEUE] Failed to requeue task %s, it returns when its lease expires: %v", task.ID, err)
	}
}

func (c *EvaluationQueueConsumer) ack(ctx context.Context, task *models.EvaluationTask, outcome string) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := c.queue.Ack(settleCtx, task.ID); err != nil {
		log.Printf("⚠️ [EVAL-QUEUE] Failed to ack %s task %s: %v", outcome, task.ID, err)
	}
}

// GetNextRunTime polls again shortly after the previous run
func (c *EvaluationQueueConsumer) GetNextRunTime() time.Time {
	if c.lastRun.IsZero() {
		return time.Now()
	}
	return c.lastRun.Add(c.interval)
}
