package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgeroute/internal/models"
	"knowledgeroute/internal/services"
)

type fakeProcessor struct {
	mu       sync.Mutex
	failFor  map[string]int // distribution id -> remaining failures
	seen     []string
	attempts map[string][]int
	onTask   func() // runs before the outcome is decided
}

func (p *fakeProcessor) ProcessQueuedTask(ctx context.Context, task *models.EvaluationTask) (*services.DistributionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.onTask != nil {
		p.onTask()
		if err := ctx.Err(); err != nil {
			p.seen = append(p.seen, task.DistributionID)
			return nil, err
		}
	}

	p.seen = append(p.seen, task.DistributionID)
	if p.attempts == nil {
		p.attempts = make(map[string][]int)
	}
	p.attempts[task.DistributionID] = append(p.attempts[task.DistributionID], task.Attempts)

	if p.failFor[task.DistributionID] > 0 {
		p.failFor[task.DistributionID]--
		return nil, errors.New("provider unavailable")
	}
	return &services.DistributionResult{}, nil
}

func TestEvaluationQueueConsumer_DrainsInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	queue := services.NewMemoryTaskQueue()
	for _, task := range []models.EvaluationTask{
		{DistributionID: "d-low", Priority: 0},
		{DistributionID: "d-high", Priority: 9},
	} {
		_, err := queue.Enqueue(ctx, task)
		require.NoError(t, err)
	}

	proc := &fakeProcessor{}
	consumer := NewEvaluationQueueConsumer(queue, proc, 20*time.Millisecond)
	require.NoError(t, consumer.Run(ctx))

	assert.Equal(t, []string{"d-high", "d-low"}, proc.seen)
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, consumer.GetNextRunTime().After(time.Now().Add(-time.Second)))
}

func TestEvaluationQueueConsumer_RetriesThenDrops(t *testing.T) {
	ctx := context.Background()
	queue := services.NewMemoryTaskQueue()
	_, err := queue.Enqueue(ctx, models.EvaluationTask{DistributionID: "flaky"})
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, models.EvaluationTask{DistributionID: "broken"})
	require.NoError(t, err)

	proc := &fakeProcessor{failFor: map[string]int{"flaky": 1, "broken": 100}}
	consumer := NewEvaluationQueueConsumer(queue, proc, 20*time.Millisecond)
	require.NoError(t, consumer.Run(ctx))

	assert.Equal(t, []int{0, 1}, proc.attempts["flaky"])
	assert.Equal(t, []int{0, 1, 2}, proc.attempts["broken"])

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEvaluationQueueConsumer_BatchCap(t *testing.T) {
	ctx := context.Background()
	queue := services.NewMemoryTaskQueue()
	for i := 0; i < 5; i++ {
		_, err := queue.Enqueue(ctx, models.EvaluationTask{DistributionID: "d"})
		require.NoError(t, err)
	}

	proc := &fakeProcessor{}
	consumer := NewEvaluationQueueConsumer(queue, proc, 20*time.Millisecond)
	consumer.batchSize = 3
	require.NoError(t, consumer.Run(ctx))

	assert.Len(t, proc.seen, 3)
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestEvaluationQueueConsumer_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	consumer := NewEvaluationQueueConsumer(services.NewMemoryTaskQueue(), &fakeProcessor{}, time.Minute)
	assert.ErrorIs(t, consumer.Run(ctx), context.Canceled)
}

func TestEvaluationQueueConsumer_ShutdownKeepsTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := services.NewMemoryTaskQueue()
	_, err := queue.Enqueue(ctx, models.EvaluationTask{DistributionID: "d1"})
	require.NoError(t, err)

	proc := &fakeProcessor{onTask: cancel}
	consumer := NewEvaluationQueueConsumer(queue, proc, 20*time.Millisecond)
	assert.ErrorIs(t, consumer.Run(ctx), context.Canceled)
	assert.Equal(t, []string{"d1"}, proc.seen)

	n, err := queue.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "the interrupted task is back in the queue")

	task, err := queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "d1", task.DistributionID)
	assert.Zero(t, task.Attempts, "shutdown does not count as a failed attempt")
}

func TestEvaluationQueueConsumer_UnackedTaskIsRedelivered(t *testing.T) {
	ctx := context.Background()
	queue := services.NewMemoryTaskQueue()
	queue.SetLease(50 * time.Millisecond)
	_, err := queue.Enqueue(ctx, models.EvaluationTask{DistributionID: "d1"})
	require.NoError(t, err)

	// A consumer that crashed after taking the task never acks it
	_, err = queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)

	proc := &fakeProcessor{}
	consumer := NewEvaluationQueueConsumer(queue, proc, 20*time.Millisecond)
	require.NoError(t, consumer.Run(ctx))
	assert.Equal(t, []string{"d1"}, proc.seen)

	time.Sleep(80 * time.Millisecond)
	_, err = queue.Dequeue(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, services.ErrQueueEmpty, "the processed task was acked")
}
