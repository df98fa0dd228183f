package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"knowledgeroute/internal/database"
	"knowledgeroute/internal/logging"
	"knowledgeroute/internal/models"
)

var (
	// ErrEmptySubmission means there was nothing to classify
	ErrEmptySubmission = errors.New("submission has no content")
	// ErrNoAgent means no island could be resolved for the submission
	ErrNoAgent = errors.New("no island available for submission")
)

const (
	// Links are only enriched when the accompanying text is this short
	linkEnrichmentMaxWords = 40
	discardTimeout         = 10 * time.Second
)

// DistributeOptions tunes one run
type DistributeOptions struct {
	Streaming bool
	Async     bool // enqueue evaluation instead of running it inline
	Priority  int
	OnEvent   func(StreamEvent)
}

// Timing breaks down where a run spent its time
type Timing struct {
	ClassificationMs int64 `json:"classification_ms"`
	EvaluationMs     int64 `json:"evaluation_ms"`
	TotalMs          int64 `json:"total_ms"`
}

// DistributionResult is the complete outcome of a run
type DistributionResult struct {
	Distribution   *models.Distribution    `json:"distribution"`
	Decision       *models.AgentDecision   `json:"decision,omitempty"`
	Record         *models.KnowledgeRecord `json:"record,omitempty"`
	Agent          *models.AgentProfile    `json:"agent"`
	Classification *models.Classification  `json:"classification"`
	CacheHit       bool                    `json:"cache_hit"`
	Queued         bool                    `json:"queued"`
	TaskID         string                  `json:"task_id,omitempty"`
	Timing         Timing                  `json:"timing"`
}

// OrchestratorDeps are the collaborators of a DistributionOrchestrator.
// Links, Queue and Metrics are optional.
type OrchestratorDeps struct {
	Repo           database.Repository
	Registry       *AgentRegistryCache
	Cache          *ClassificationCache
	Hasher         *ContentHasher
	Classifier     *Classifier
	Media          *MediaIngestionPipeline
	Links          *LinkEnricher
	Relevance      *RelevanceEngine
	Queue          TaskQueue
	DefaultIslands []IslandTemplate
	Metrics        *PipelineMetrics
}

// DistributionOrchestrator runs submissions through classification, routing,
// evaluation and persistence
type DistributionOrchestrator struct {
	repo           database.Repository
	registry       *AgentRegistryCache
	cache          *ClassificationCache
	hasher         *ContentHasher
	classifier     *Classifier
	media          *MediaIngestionPipeline
	links          *LinkEnricher
	relevance      *RelevanceEngine
	queue          TaskQueue
	defaultIslands []IslandTemplate
	metrics        *PipelineMetrics
}

// NewDistributionOrchestrator wires an orchestrator
func NewDistributionOrchestrator(deps OrchestratorDeps) *DistributionOrchestrator {
	hasher := deps.Hasher
	if hasher == nil {
		hasher = NewContentHasher()
	}
	return &DistributionOrchestrator{
		repo:           deps.Repo,
		registry:       deps.Registry,
		cache:          deps.Cache,
		hasher:         hasher,
		classifier:     deps.Classifier,
		media:          deps.Media,
		links:          deps.Links,
		relevance:      deps.Relevance,
		queue:          deps.Queue,
		defaultIslands: deps.DefaultIslands,
		metrics:        deps.Metrics,
	}
}

// Distribute classifies a submission, routes it to one island and, unless
// evaluation is deferred to the queue, evaluates and stores it. A failure
// before routing leaves nothing persisted.
func (o *DistributionOrchestrator) Distribute(ctx context.Context, sub *models.Submission, opts DistributeOptions) (*DistributionResult, error) {
	start := time.Now()

	if strings.TrimSpace(sub.UserID) == "" {
		return nil, fmt.Errorf("submission has no user")
	}
	if strings.TrimSpace(sub.Content) == "" && len(sub.Files) == 0 && len(sub.Links) == 0 {
		return nil, ErrEmptySubmission
	}

	distributionID := uuid.New().String()
	logger := logging.WithDistribution(distributionID, sub.UserID)

	result, err := o.distribute(ctx, logger, distributionID, sub, opts, start)
	outcome := "stored"
	switch {
	case err != nil:
		outcome = "failed"
		logger.Error("distribution failed", "error", err)
	case result.Queued:
		outcome = "queued"
	case result.Record == nil:
		outcome = "skipped"
	}
	o.metrics.RecordDistribution(outcome, time.Since(start).Seconds())
	return result, err
}

func (o *DistributionOrchestrator) distribute(ctx context.Context, logger *slog.Logger, distributionID string, sub *models.Submission, opts DistributeOptions, start time.Time) (*DistributionResult, error) {
	islands, err := o.islandsFor(ctx, sub.UserID)
	if err != nil {
		return nil, err
	}
	if len(islands) == 0 {
		return nil, ErrNoAgent
	}

	fingerprint := o.hasher.FingerprintSubmission(sub)
	cacheKey := o.hasher.CacheKey(sub.UserID, fingerprint)
	contentType := sub.DetectContentType()

	classification, cacheHit, err := o.classify(ctx, logger, sub, cacheKey, islands, opts)
	if err != nil {
		return nil, err
	}
	classificationTime := time.Since(start)

	agent := resolveAgent(islands, classification, sub.Content)
	if agent == nil {
		return nil, ErrNoAgent
	}
	logger = logging.WithAgent(logger, agent.ID, agent.Name)

	if classification.ContentType == "" {
		classification.ContentType = contentType
	}

	dist := &models.Distribution{
		ID:               distributionID,
		UserID:           sub.UserID,
		Content:          sub.Content,
		ContentType:      contentType,
		ContentHash:      fingerprint,
		Files:            sub.Files,
		Links:            sub.Links,
		Images:           imageURLs(sub.Files),
		TargetAgentIDs:   []string{agent.ID},
		ChiefAnalysis:    classification.ChiefAnalysis,
		Summary:          classification.Summary,
		ProcessingTimeMs: classificationTime.Milliseconds(),
		CreatedAt:        time.Now(),
	}
	if err := o.repo.CreateDistribution(ctx, dist); err != nil {
		return nil, fmt.Errorf("failed to save distribution: %w", err)
	}
	logger.Info("distribution routed", "label", classification.AgentLabel, "cache_hit", cacheHit, "content_type", contentType)

	result := &DistributionResult{
		Distribution:   dist,
		Agent:          agent,
		Classification: classification,
		CacheHit:       cacheHit,
		Timing:         Timing{ClassificationMs: classificationTime.Milliseconds()},
	}

	if opts.Async && o.queue != nil {
		taskID, err := o.queue.Enqueue(ctx, models.EvaluationTask{
			UserID:            sub.UserID,
			DistributionID:    dist.ID,
			CandidateAgentIDs: []string{agent.ID},
			Priority:          opts.Priority,
		})
		if err != nil {
			o.discard(ctx, logger, dist.ID, err)
			return nil, fmt.Errorf("failed to enqueue evaluation: %w", err)
		}
		logger.Info("evaluation queued", "task_id", taskID)
		result.Queued = true
		result.TaskID = taskID
		result.Timing.TotalMs = time.Since(start).Milliseconds()
		return result, nil
	}

	evalStart := time.Now()
	decision, record, err := o.evaluateAndCommit(ctx, logger, dist, agent)
	if err != nil {
		o.discard(ctx, logger, dist.ID, err)
		return nil, err
	}
	result.Decision = decision
	result.Record = record
	if record != nil {
		dist.StoredBy = appendUnique(dist.StoredBy, agent.ID)
	}
	result.Timing.EvaluationMs = time.Since(evalStart).Milliseconds()
	result.Timing.TotalMs = time.Since(start).Milliseconds()
	return result, nil
}

// ProcessQueuedTask runs evaluation and persistence for a queued distribution.
// Safe to call more than once for the same task.
func (o *DistributionOrchestrator) ProcessQueuedTask(ctx context.Context, task *models.EvaluationTask) (*DistributionResult, error) {
	logger := logging.WithDistribution(task.DistributionID, task.UserID)

	dist, err := o.repo.GetDistribution(ctx, task.DistributionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load distribution %s: %w", task.DistributionID, err)
	}

	agentID := ""
	switch {
	case len(task.CandidateAgentIDs) > 0:
		agentID = task.CandidateAgentIDs[0]
	case len(dist.TargetAgentIDs) > 0:
		agentID = dist.TargetAgentIDs[0]
	default:
		return nil, fmt.Errorf("%w: task %s has no candidate island", ErrNoAgent, task.ID)
	}

	agent, err := o.registry.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load island %s: %w", agentID, err)
	}
	logger = logging.WithAgent(logger, agent.ID, agent.Name)

	start := time.Now()
	decision, record, err := o.evaluateAndCommit(ctx, logger, dist, agent)
	if err != nil {
		return nil, err
	}
	if record != nil {
		dist.StoredBy = appendUnique(dist.StoredBy, agent.ID)
	}

	return &DistributionResult{
		Distribution: dist,
		Decision:     decision,
		Record:       record,
		Agent:        agent,
		Timing: Timing{
			EvaluationMs: time.Since(start).Milliseconds(),
			TotalMs:      time.Since(start).Milliseconds(),
		},
	}, nil
}

// discard removes a new distribution whose evaluation could not be committed
// or queued. The counter moves last, so nothing else needs undoing.
func (o *DistributionOrchestrator) discard(ctx context.Context, logger *slog.Logger, distributionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()

	if err := o.repo.DeleteDistribution(ctx, distributionID); err != nil {
		logger.Error("failed to discard uncommitted distribution", "error", err, "cause", cause)
		return
	}
	logger.Warn("discarded uncommitted distribution", "cause", cause)
}

// islandsFor returns the user's islands, provisioning the defaults for new users
func (o *DistributionOrchestrator) islandsFor(ctx context.Context, userID string) ([]models.AgentProfile, error) {
	islands, err := o.registry.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(islands) == 0 && len(o.defaultIslands) > 0 {
		islands, err = o.registry.ProvisionDefaults(ctx, userID, o.defaultIslands)
		if err != nil {
			return nil, fmt.Errorf("failed to provision default islands: %w", err)
		}
	}
	return islands, nil
}

// classify serves from the cache or asks the model; only model results are cached
func (o *DistributionOrchestrator) classify(ctx context.Context, logger *slog.Logger, sub *models.Submission, cacheKey string, islands []models.AgentProfile, opts DistributeOptions) (*models.Classification, bool, error) {
	if entry, found := o.cache.Get(cacheKey); found {
		logger.Debug("classification cache hit")
		classification := models.ClassificationFromCache(entry)
		if opts.OnEvent != nil {
			opts.OnEvent(StreamEvent{Kind: EventImmediate, Immediate: &models.ImmediateResponse{
				Category:   entry.AgentLabel,
				Confidence: entry.Confidence,
				Reasoning:  entry.Reasoning,
				Summary:    entry.Summary,
			}})
		}
		return classification, true, nil
	}

	var linkSummaries []LinkSummary
	if o.links != nil && len(sub.Links) > 0 && len(strings.Fields(sub.Content)) <= linkEnrichmentMaxWords {
		linkSummaries = o.links.Enrich(ctx, sub.Links)
	}

	var attachments []Attachment
	if o.media != nil {
		attachments = o.media.Ingest(ctx, sub.Files)
	}

	prompt := BuildClassificationPrompt(sub, islands, linkSummaries, len(attachments))

	var classification *models.Classification
	var err error
	if opts.Streaming {
		classification, err = o.classifier.ClassifyStream(ctx, prompt, attachments, opts.OnEvent)
	} else {
		classification, err = o.classifier.Classify(ctx, prompt, attachments)
	}
	if err != nil {
		return nil, false, err
	}

	// Zero CreatedAt: the cache stamps entries with its own clock
	o.cache.Put(cacheKey, classification.ToCacheEntry(time.Time{}))
	return classification, false, nil
}

// resolveAgent maps a classification onto an island: exact name, then the
// model's target list, then keyword overlap, then the user's first island
func resolveAgent(islands []models.AgentProfile, c *models.Classification, content string) *models.AgentProfile {
	if len(islands) == 0 {
		return nil
	}
	if agent := FindByName(islands, c.AgentLabel); agent != nil {
		return agent
	}
	for _, target := range c.TargetAgents {
		if agent := FindByName(islands, target); agent != nil {
			return agent
		}
	}
	if agent := FindByKeywords(islands, content+" "+c.Summary); agent != nil {
		return agent
	}
	return &islands[0]
}

// evaluateAndCommit writes decision, then record, then counter. A decision
// already on file is reused, and the counter only moves when this call
// created the record.
func (o *DistributionOrchestrator) evaluateAndCommit(ctx context.Context, logger *slog.Logger, dist *models.Distribution, agent *models.AgentProfile) (*models.AgentDecision, *models.KnowledgeRecord, error) {
	decision, eval, err := o.decide(ctx, logger, dist, agent)
	if err != nil {
		return nil, nil, err
	}
	if !decision.ShouldStore {
		logger.Info("distribution not stored", "relevance", decision.RelevanceScore, "confidence", decision.Confidence)
		return decision, nil, nil
	}

	record, created, err := o.storeRecord(ctx, dist, agent, decision, eval)
	if err != nil {
		return decision, nil, err
	}

	if err := o.repo.AppendStoredBy(ctx, dist.ID, agent.ID); err != nil {
		return decision, record, fmt.Errorf("failed to mark distribution stored: %w", err)
	}

	if created {
		if err := o.registry.IncrementCounter(ctx, dist.UserID, agent.ID, models.CounterMemoryCount, 1); err != nil {
			return decision, record, err
		}
		logger.Info("knowledge record stored", "record_id", record.ID, "title", record.Title)
	}
	return decision, record, nil
}

func (o *DistributionOrchestrator) decide(ctx context.Context, logger *slog.Logger, dist *models.Distribution, agent *models.AgentProfile) (*models.AgentDecision, *Evaluation, error) {
	existing, err := o.repo.GetDecisionByDistribution(ctx, dist.ID)
	if err == nil {
		logger.Debug("reusing existing decision", "decision_id", existing.ID)
		return existing, nil, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, nil, fmt.Errorf("failed to check existing decision: %w", err)
	}

	eval := o.relevance.Evaluate(ctx, agent, dist)
	decision := &models.AgentDecision{
		ID:             uuid.New().String(),
		DistributionID: dist.ID,
		AgentID:        agent.ID,
		RelevanceScore: eval.RelevanceScore,
		Confidence:     eval.Confidence,
		ShouldStore:    eval.ShouldStore,
		Reasoning:      eval.Reasoning,
		SuggestedTags:  eval.SuggestedTags,
		KeyInsights:    eval.KeyInsights,
		CreatedAt:      time.Now(),
	}

	if err := o.repo.CreateDecision(ctx, decision); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			// A concurrent delivery of the same task got there first
			winner, getErr := o.repo.GetDecisionByDistribution(ctx, dist.ID)
			if getErr != nil {
				return nil, nil, fmt.Errorf("failed to load concurrent decision: %w", getErr)
			}
			return winner, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to save decision: %w", err)
	}
	return decision, eval, nil
}

func (o *DistributionOrchestrator) storeRecord(ctx context.Context, dist *models.Distribution, agent *models.AgentProfile, decision *models.AgentDecision, eval *Evaluation) (*models.KnowledgeRecord, bool, error) {
	existing, err := o.repo.GetKnowledgeRecordByDistribution(ctx, dist.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to check existing record: %w", err)
	}

	if eval == nil {
		eval = evaluationFromDecision(decision)
	}
	record := o.relevance.Commit(ctx, dist, agent, eval)

	if err := o.repo.CreateKnowledgeRecord(ctx, record); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			winner, getErr := o.repo.GetKnowledgeRecordByDistribution(ctx, dist.ID)
			if getErr != nil {
				return nil, false, fmt.Errorf("failed to load concurrent record: %w", getErr)
			}
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("failed to save knowledge record: %w", err)
	}
	return record, true, nil
}

// evaluationFromDecision rebuilds what Commit needs from a stored decision
func evaluationFromDecision(d *models.AgentDecision) *Evaluation {
	return &Evaluation{
		RelevanceScore: d.RelevanceScore,
		Confidence:     d.Confidence,
		ShouldStore:    d.ShouldStore,
		Reasoning:      d.Reasoning,
		SuggestedTags:  d.SuggestedTags,
		KeyInsights:    d.KeyInsights,
		Sentiment:      models.SentimentNeutral,
		Importance:     models.DefaultImportance,
	}
}

func imageURLs(files []models.FileReference) []string {
	var urls []string
	for _, f := range files {
		if models.MediaKind(f.MimeType) == models.ContentTypeImage {
			urls = append(urls, f.URL)
		}
	}
	return urls
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
