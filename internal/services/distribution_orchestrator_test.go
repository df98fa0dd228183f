package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgeroute/internal/database"
	"knowledgeroute/internal/models"
)

// recordingRepo counts distribution writes
type recordingRepo struct {
	*database.MemoryRepository
	distributions int32
	decisionErr   error

	mu  sync.Mutex
	ids []string
}

func (r *recordingRepo) CreateDistribution(ctx context.Context, d *models.Distribution) error {
	atomic.AddInt32(&r.distributions, 1)
	r.mu.Lock()
	r.ids = append(r.ids, d.ID)
	r.mu.Unlock()
	return r.MemoryRepository.CreateDistribution(ctx, d)
}

func (r *recordingRepo) CreateDecision(ctx context.Context, d *models.AgentDecision) error {
	if r.decisionErr != nil {
		return r.decisionErr
	}
	return r.MemoryRepository.CreateDecision(ctx, d)
}

// persisted returns the IDs of distributions still in the store
func (r *recordingRepo) persisted(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	ids := append([]string(nil), r.ids...)
	r.mu.Unlock()

	var out []string
	for _, id := range ids {
		if _, err := r.GetDistribution(context.Background(), id); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func classificationJSON(label string) string {
	return fmt.Sprintf(`{"immediateResponse":{"category":%q,"confidence":0.9,"reasoning":"matches the island","summary":"Docker basics"},`+
		`"deepAnalysis":{"contentType":"text","chiefAnalysis":"Notes on containers","summary":"Docker fundamentals","keyTopics":["docker"],"targetAgents":[%q]}}`, label, label)
}

const relevanceJSON = `{"relevanceScore":0.9,"confidence":0.8,"shouldStore":true,"reasoning":"technical notes","suggestedTags":["docker"],"keyInsights":["containers"],"suggestedTitle":"Docker basics","sentiment":"positive","importanceScore":7}`

type harness struct {
	repo         *recordingRepo
	provider     *fakeProvider
	fetcher      *fakeFetcher
	cache        *ClassificationCache
	registry     *AgentRegistryCache
	queue        *MemoryTaskQueue
	orchestrator *DistributionOrchestrator

	mu                sync.Mutex
	streamAttachments []int
}

func newHarness(t *testing.T, label string) *harness {
	t.Helper()

	templates, err := LoadDefaultIslands("")
	require.NoError(t, err)

	h := &harness{
		repo:     &recordingRepo{MemoryRepository: database.NewMemoryRepository()},
		provider: newFakeProvider("primary"),
		fetcher:  newFakeFetcher(),
		queue:    NewMemoryTaskQueue(),
	}
	h.provider.stream = func(call int, prompt string, cfg GenerateConfig) (FragmentStream, error) {
		h.mu.Lock()
		h.streamAttachments = append(h.streamAttachments, len(cfg.Attachments))
		h.mu.Unlock()
		return newSliceStream(nil, chunk(classificationJSON(label), 16)...), nil
	}
	h.provider.generate = func(call int, prompt string, cfg GenerateConfig) (string, error) {
		if strings.HasPrefix(prompt, RelevanceSystemPrompt) {
			return relevanceJSON, nil
		}
		return classificationJSON(label), nil
	}

	h.cache = NewClassificationCache(time.Minute, 100, nil)
	h.registry = NewAgentRegistryCache(h.repo, time.Minute, nil)
	h.orchestrator = NewDistributionOrchestrator(OrchestratorDeps{
		Repo:           h.repo,
		Registry:       h.registry,
		Cache:          h.cache,
		Classifier:     NewClassifier(h.provider),
		Media:          NewMediaIngestionPipeline(h.fetcher, MediaConfig{}, nil),
		Relevance:      NewRelevanceEngine(h.provider, nil, "", nil),
		Queue:          h.queue,
		DefaultIslands: templates,
	})
	return h
}

func (h *harness) island(t *testing.T, userID, name string) models.AgentProfile {
	t.Helper()
	list, err := h.repo.ListAgentProfiles(context.Background(), userID)
	require.NoError(t, err)
	for _, p := range list {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("island %s not found", name)
	return models.AgentProfile{}
}

func TestDistribute_DockerNotesGoToLearning(t *testing.T) {
	h := newHarness(t, "Learning")
	ctx := context.Background()

	var events []StreamEventKind
	result, err := h.orchestrator.Distribute(ctx, &models.Submission{
		UserID:  "u1",
		Content: "Today I learned Docker basics: images, containers and volumes",
	}, DistributeOptions{Streaming: true, OnEvent: func(e StreamEvent) { events = append(events, e.Kind) }})
	require.NoError(t, err)

	assert.Equal(t, []StreamEventKind{EventImmediate, EventDeep}, events)
	assert.False(t, result.CacheHit)
	assert.Equal(t, "Learning", result.Agent.Name)
	require.NotNil(t, result.Decision)
	assert.True(t, result.Decision.ShouldStore)
	require.NotNil(t, result.Record)
	assert.Equal(t, "Docker basics", result.Record.Title)
	assert.Equal(t, 7, result.Record.Importance)
	assert.Equal(t, []string{result.Agent.ID}, result.Distribution.StoredBy)

	stored, err := h.repo.GetDistribution(ctx, result.Distribution.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{result.Agent.ID}, stored.StoredBy)
	assert.Equal(t, "Docker fundamentals", stored.Summary)

	learning := h.island(t, "u1", "Learning")
	assert.Equal(t, int64(1), learning.MemoryCount)

	// The registry serves the refreshed counter after invalidation
	cached, err := h.registry.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), FindByName(cached, "Learning").MemoryCount)
}

func TestDistribute_CacheFastPath(t *testing.T) {
	h := newHarness(t, "Learning")
	ctx := context.Background()
	sub := &models.Submission{UserID: "u1", Content: "Docker basics tutorial"}

	first, err := h.orchestrator.Distribute(ctx, sub, DistributeOptions{Streaming: true})
	require.NoError(t, err)
	second, err := h.orchestrator.Distribute(ctx, &models.Submission{UserID: "u1", Content: "docker  BASICS tutorial\n"}, DistributeOptions{Streaming: true})
	require.NoError(t, err)

	_, streams, _ := h.provider.calls()
	assert.Equal(t, 1, streams, "identical content is classified once")
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Agent.ID, second.Agent.ID)
	assert.NotEqual(t, first.Distribution.ID, second.Distribution.ID)

	assert.Equal(t, int64(2), h.island(t, "u1", "Learning").MemoryCount)
}

func TestDistribute_ConcurrentCounters(t *testing.T) {
	h := newHarness(t, "Learning")
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orchestrator.Distribute(ctx, &models.Submission{
				UserID:  "u1",
				Content: fmt.Sprintf("docker note number %d", i),
			}, DistributeOptions{Streaming: true})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(n), h.island(t, "u1", "Learning").MemoryCount)

	profiles, err := h.repo.ListAgentProfiles(ctx, "u1")
	require.NoError(t, err)
	templates, _ := LoadDefaultIslands("")
	assert.Len(t, profiles, len(templates))
}

func TestDistribute_OversizedImageIsDropped(t *testing.T) {
	h := newHarness(t, "Learning")
	h.fetcher.bodies["https://cdn.example.com/diagram.png"] = bytes.Repeat([]byte{0xFF}, 15*mib)

	result, err := h.orchestrator.Distribute(context.Background(), &models.Submission{
		UserID:  "u1",
		Content: "Docker architecture diagram from the course",
		Files: []models.FileReference{{
			URL:      "https://cdn.example.com/diagram.png",
			Name:     "diagram.png",
			MimeType: "image/png",
			Size:     2 * mib,
		}},
	}, DistributeOptions{Streaming: true})
	require.NoError(t, err, "the run continues without the attachment")

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []int{0}, h.streamAttachments)
	assert.Equal(t, []string{"https://cdn.example.com/diagram.png"}, result.Distribution.Images)
	assert.NotNil(t, result.Record)
}

func TestDistribute_IncompleteStreamPersistsNothing(t *testing.T) {
	h := newHarness(t, "Learning")
	full := classificationJSON("Learning")
	h.provider.stream = func(call int, prompt string, cfg GenerateConfig) (FragmentStream, error) {
		return newSliceStream(nil, full[:strings.Index(full, `"deepAnalysis"`)+20]), nil
	}

	_, err := h.orchestrator.Distribute(context.Background(), &models.Submission{UserID: "u1", Content: "Docker notes"}, DistributeOptions{Streaming: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompleteClassification)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.repo.distributions))
	assert.Equal(t, 0, h.cache.Len(), "failed classifications are not cached")
}

func TestDistribute_FailedDecisionWriteLeavesNoDistribution(t *testing.T) {
	h := newHarness(t, "Learning")
	h.repo.decisionErr = errors.New("disk full")

	_, err := h.orchestrator.Distribute(context.Background(), &models.Submission{
		UserID:  "u1",
		Content: "Docker compose notes",
	}, DistributeOptions{Streaming: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.repo.distributions), "the distribution was written before the decision")
	assert.Empty(t, h.repo.persisted(t), "and removed again when the decision failed")
	assert.Zero(t, h.island(t, "u1", "Learning").MemoryCount)
}

func TestDistribute_FailedEnqueueLeavesNoDistribution(t *testing.T) {
	h := newHarness(t, "Learning")
	require.NoError(t, h.queue.Close())

	_, err := h.orchestrator.Distribute(context.Background(), &models.Submission{
		UserID:  "u1",
		Content: "Docker compose notes",
	}, DistributeOptions{Streaming: true, Async: true})
	require.Error(t, err)
	assert.Empty(t, h.repo.persisted(t))
}

func TestDistribute_ProviderUnavailable(t *testing.T) {
	h := newHarness(t, "Learning")
	h.provider.generate = func(call int, prompt string, cfg GenerateConfig) (string, error) {
		return "", rateLimited("primary")
	}
	fallback := newFakeProvider("fallback")
	fallback.generate = func(call int, prompt string, cfg GenerateConfig) (string, error) {
		return "", NewProviderError(KindTimeout, "fallback", 0, "", nil)
	}
	controller := NewDegradationController(h.provider, fallback, DegradationConfig{}, nil, nil)
	controller.SetSleep(noSleep)
	h.orchestrator.classifier = NewClassifier(controller)

	_, err := h.orchestrator.Distribute(context.Background(), &models.Submission{UserID: "u1", Content: "Docker notes"}, DistributeOptions{})
	assert.ErrorIs(t, err, ErrAIUnavailable)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.repo.distributions))

	primaryCalls, _, _ := h.provider.calls()
	fallbackCalls, _, _ := fallback.calls()
	assert.Equal(t, 4, primaryCalls)
	assert.Equal(t, 1, fallbackCalls)
}

func TestDistribute_SingleShotClassification(t *testing.T) {
	h := newHarness(t, "Work")

	result, err := h.orchestrator.Distribute(context.Background(), &models.Submission{UserID: "u1", Content: "Sprint planning moved to Friday"}, DistributeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Work", result.Agent.Name)

	_, streams, _ := h.provider.calls()
	assert.Equal(t, 0, streams)
}

func TestDistribute_AsyncEvaluationIsIdempotent(t *testing.T) {
	h := newHarness(t, "Learning")
	ctx := context.Background()

	result, err := h.orchestrator.Distribute(ctx, &models.Submission{UserID: "u1", Content: "Docker compose guide"}, DistributeOptions{Streaming: true, Async: true, Priority: 3})
	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.NotEmpty(t, result.TaskID)
	assert.Nil(t, result.Decision)

	_, err = h.repo.GetDecisionByDistribution(ctx, result.Distribution.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)

	task, err := h.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, task.Priority)

	// At-least-once delivery: the same task processed twice
	first, err := h.orchestrator.ProcessQueuedTask(ctx, task)
	require.NoError(t, err)
	second, err := h.orchestrator.ProcessQueuedTask(ctx, task)
	require.NoError(t, err)

	assert.Equal(t, first.Decision.ID, second.Decision.ID)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, int64(1), h.island(t, "u1", "Learning").MemoryCount)

	generates, _, _ := h.provider.calls()
	assert.Equal(t, 1, generates, "the stored decision is reused instead of re-evaluating")
}

func TestDistribute_Validation(t *testing.T) {
	h := newHarness(t, "Learning")

	_, err := h.orchestrator.Distribute(context.Background(), &models.Submission{UserID: "u1", Content: "  "}, DistributeOptions{})
	assert.ErrorIs(t, err, ErrEmptySubmission)

	_, err = h.orchestrator.Distribute(context.Background(), &models.Submission{Content: "hello"}, DistributeOptions{})
	assert.Error(t, err)
}

func TestDistribute_NoIslands(t *testing.T) {
	h := newHarness(t, "Learning")
	h.orchestrator.defaultIslands = nil

	_, err := h.orchestrator.Distribute(context.Background(), &models.Submission{UserID: "u1", Content: "Docker"}, DistributeOptions{})
	assert.ErrorIs(t, err, ErrNoAgent)
	_, streams, _ := h.provider.calls()
	assert.Equal(t, 0, streams)
}

func TestResolveAgent(t *testing.T) {
	islands := []models.AgentProfile{
		{ID: "l", Name: "Learning", Keywords: []string{"docker"}},
		{ID: "w", Name: "Work", Keywords: []string{"meeting"}},
		{ID: "f", Name: "Finance", Keywords: []string{"budget"}},
	}

	assert.Equal(t, "w", resolveAgent(islands, &models.Classification{AgentLabel: "work"}, "").ID)
	assert.Equal(t, "f", resolveAgent(islands, &models.Classification{AgentLabel: "Money", TargetAgents: []string{"Finance"}}, "").ID)
	assert.Equal(t, "w", resolveAgent(islands, &models.Classification{AgentLabel: "Office"}, "meeting notes").ID)
	assert.Equal(t, "l", resolveAgent(islands, &models.Classification{AgentLabel: "Other"}, "nothing").ID)
	assert.Nil(t, resolveAgent(nil, &models.Classification{AgentLabel: "Learning"}, ""))
}
