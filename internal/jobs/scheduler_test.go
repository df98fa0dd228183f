package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	mu      sync.Mutex
	runs    atomic.Int32
	err     error
	next    time.Time
	ran     chan struct{}
	blockOn chan struct{}
}

func newCountingJob() *countingJob {
	return &countingJob{ran: make(chan struct{}, 16)}
}

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	j.mu.Lock()
	j.next = time.Now().Add(time.Hour)
	j.mu.Unlock()
	j.ran <- struct{}{}
	if j.blockOn != nil {
		select {
		case <-j.blockOn:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return j.err
}

func (j *countingJob) GetNextRunTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next
}

func waitRun(t *testing.T, j *countingJob) {
	t.Helper()
	select {
	case <-j.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestJobScheduler_RunsAndReschedules(t *testing.T) {
	s := NewJobScheduler()
	job := newCountingJob()
	job.err = errors.New("boom")
	s.Register("counting", job)

	require.NoError(t, s.Start())
	waitRun(t, job)
	s.Stop()

	assert.Equal(t, int32(1), job.runs.Load())
	status := s.GetStatus()
	require.Len(t, status, 1)
	assert.Equal(t, "counting", status[0].Name)
	assert.Equal(t, int64(1), status[0].Runs)
	assert.Equal(t, "boom", status[0].LastError)
	assert.True(t, status[0].NextRunTime.After(time.Now()))
}

func TestJobScheduler_RegisterAfterStart(t *testing.T) {
	s := NewJobScheduler()
	require.NoError(t, s.Start())
	defer s.Stop()

	job := newCountingJob()
	s.Register("late", job)
	waitRun(t, job)
}

func TestJobScheduler_StopCancelsRunningJob(t *testing.T) {
	s := NewJobScheduler()
	job := newCountingJob()
	job.blockOn = make(chan struct{})
	s.Register("blocking", job)

	idle := newCountingJob()
	idle.next = time.Now().Add(time.Hour)
	s.Register("idle", idle)

	require.NoError(t, s.Start())
	waitRun(t, job)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, int32(0), idle.runs.Load())
}

func TestJobScheduler_RunNow(t *testing.T) {
	s := NewJobScheduler()
	job := newCountingJob()
	s.Register("manual", job)

	require.NoError(t, s.RunNow("manual"))
	assert.Equal(t, int32(1), job.runs.Load())
	assert.ErrorIs(t, s.RunNow("missing"), ErrJobNotFound)
}
