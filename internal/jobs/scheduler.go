package jobs

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"
)

// ErrJobNotFound is returned by RunNow for an unregistered job
var ErrJobNotFound = errors.New("job not found")

// Job is a unit of background work. GetNextRunTime is asked again after every run.
type Job interface {
	Run(ctx context.Context) error
	GetNextRunTime() time.Time
}

// JobStatus is the scheduler's view of one job
type JobStatus struct {
	Name        string    `json:"name"`
	NextRunTime time.Time `json:"next_run_time"`
	LastRunAt   time.Time `json:"last_run_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Runs        int64     `json:"runs"`
}

type jobState struct {
	job       Job
	timer     *time.Timer
	lastRunAt time.Time
	lastError string
	runs      int64
}

// JobScheduler runs each registered job on its own timer, one run at a time per job
type JobScheduler struct {
	jobs    map[string]*jobState
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewJobScheduler creates a scheduler; jobs start when Start is called
func NewJobScheduler() *JobScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		jobs:   make(map[string]*jobState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a job. Registering after Start schedules it immediately.
func (s *JobScheduler) Register(name string, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &jobState{job: job}
	s.jobs[name] = state
	log.Printf("✅ [SCHEDULER] Registered job: %s", name)

	if s.running {
		s.scheduleJob(name, state)
	}
}

// Start schedules every registered job
func (s *JobScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.running = true
	log.Printf("🚀 [SCHEDULER] Starting job scheduler with %d jobs", len(s.jobs))

	for name, state := range s.jobs {
		s.scheduleJob(name, state)
	}
	return nil
}

// scheduleJob arms the job's timer. Caller holds mu.
func (s *JobScheduler) scheduleJob(name string, state *jobState) {
	delay := time.Until(state.job.GetNextRunTime())
	if delay < 0 {
		delay = 0
	}

	// Registered before the timer fires so Stop always waits for it
	s.wg.Add(1)
	state.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.runJob(name, state)
	})
}

func (s *JobScheduler) runJob(name string, state *jobState) {
	startTime := time.Now()
	err := state.job.Run(s.ctx)
	duration := time.Since(startTime)

	s.mu.Lock()
	defer s.mu.Unlock()

	state.lastRunAt = startTime
	state.runs++
	state.lastError = ""
	if err != nil && !errors.Is(err, context.Canceled) {
		state.lastError = err.Error()
		log.Printf("❌ [SCHEDULER] Job '%s' failed after %v: %v", name, duration, err)
	}

	if s.running {
		s.scheduleJob(name, state)
	}
}

// Stop cancels pending timers, cancels the jobs' context and waits for running jobs
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	log.Println("🛑 [SCHEDULER] Stopping job scheduler...")
	s.running = false

	for _, state := range s.jobs {
		if state.timer != nil && state.timer.Stop() {
			// Timer never fired; release its wait slot
			s.wg.Done()
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	log.Println("✅ [SCHEDULER] Job scheduler stopped")
}

// RunNow runs a job synchronously outside its schedule
func (s *JobScheduler) RunNow(name string) error {
	s.mu.Lock()
	state, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return ErrJobNotFound
	}

	log.Printf("🚀 [SCHEDULER] Running job '%s' immediately", name)
	return state.job.Run(s.ctx)
}

// GetStatus returns the status of all jobs, sorted by name
func (s *JobScheduler) GetStatus() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make([]JobStatus, 0, len(s.jobs))
	for name, state := range s.jobs {
		status = append(status, JobStatus{
			Name:        name,
			NextRunTime: state.job.GetNextRunTime(),
			LastRunAt:   state.lastRunAt,
			LastError:   state.lastError,
			Runs:        state.runs,
		})
	}
	sort.Slice(status, func(i, j int) bool { return status[i].Name < status[j].Name })
	return status
}
