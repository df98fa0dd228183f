package services

import (
	"context"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"knowledgeroute/internal/models"
)

// Evaluation sources
const (
	SourceAI               = "ai"
	SourceGracefulFallback = "graceful_fallback"
	SourceFallback         = "fallback"
)

// Fallback confidences: the model answered but unusably, or did not answer at all
const (
	gracefulFallbackConfidence = 0.3
	totalFallbackConfidence    = 0.1
	titleFallbackRunes         = 50
)

// Evaluation is the relevance engine's verdict on one distribution for one island
type Evaluation struct {
	RelevanceScore   float64
	Confidence       float64
	ShouldStore      bool
	ModelShouldStore bool
	Reasoning        string
	SuggestedTags    []string
	KeyInsights      []string
	DetailedSummary  string
	SuggestedTitle   string
	Sentiment        string
	Importance       int
	ActionableAdvice string
	Source           string
	Policy           string
}

// RelevanceEngine scores a distribution against an island and decides whether to store it
type RelevanceEngine struct {
	provider       AIProvider
	policy         StoragePolicy
	metrics        *PipelineMetrics
	embeddingModel string
	now            func() time.Time
}

// NewRelevanceEngine creates an engine. A nil policy means AlwaysStorePolicy;
// an empty embeddingModel disables record embeddings.
func NewRelevanceEngine(provider AIProvider, policy StoragePolicy, embeddingModel string, metrics *PipelineMetrics) *RelevanceEngine {
	if policy == nil {
		policy = AlwaysStorePolicy{}
	}
	return &RelevanceEngine{
		provider:       provider,
		policy:         policy,
		metrics:        metrics,
		embeddingModel: embeddingModel,
		now:            time.Now,
	}
}

// Policy returns the active storage policy
func (e *RelevanceEngine) Policy() StoragePolicy {
	return e.policy
}

// Evaluate never fails: provider errors and unparsable output fall back to
// keyword overlap with a low confidence
func (e *RelevanceEngine) Evaluate(ctx context.Context, agent *models.AgentProfile, dist *models.Distribution) *Evaluation {
	output, err := e.provider.Generate(ctx, BuildRelevancePrompt(agent, dist), GenerateConfig{
		Temperature: Temp(0.3),
		JSONMode:    true,
	})

	var eval *Evaluation
	switch {
	case err != nil:
		log.Printf("⚠️ [RELEVANCE] AI evaluation failed for island %s, using keyword fallback: %v", agent.Name, err)
		eval = keywordEvaluation(agent, dist, totalFallbackConfidence, SourceFallback,
			"AI evaluation unavailable; scored by keyword overlap")
	default:
		var ok bool
		eval, ok = parseEvaluation(output)
		if !ok {
			log.Printf("⚠️ [RELEVANCE] Unparsable evaluation for island %s, using keyword fallback", agent.Name)
			eval = keywordEvaluation(agent, dist, gracefulFallbackConfidence, SourceGracefulFallback,
				"AI evaluation could not be parsed; scored by keyword overlap")
		}
	}

	eval.Policy = e.policy.Name()
	eval.ShouldStore = e.policy.ShouldStore(eval, dist)

	e.metrics.RecordEvaluation(eval.Source)
	e.metrics.RecordDecision(eval.Policy, eval.ShouldStore)
	log.Printf("🎯 [RELEVANCE] %s → %s: relevance=%.2f confidence=%.2f store=%v (%s, %s)",
		dist.ID, agent.Name, eval.RelevanceScore, eval.Confidence, eval.ShouldStore, eval.Source, eval.Policy)
	return eval
}

// parseEvaluation reads the model's answer leniently: numbers may arrive as
// strings and every field except relevanceScore is optional
func parseEvaluation(output string) (*Evaluation, bool) {
	start := strings.IndexByte(output, '{')
	if start < 0 {
		return nil, false
	}
	end, closed := scanBalancedObject(output, start)
	if !closed {
		return nil, false
	}
	raw := output[start:end]
	if !gjson.Valid(raw) {
		return nil, false
	}

	relevance := gjson.Get(raw, "relevanceScore")
	if !relevance.Exists() {
		return nil, false
	}

	eval := &Evaluation{
		RelevanceScore:   clamp01(finiteOr(relevance.Float(), 0)),
		Confidence:       0.5,
		Reasoning:        strings.TrimSpace(gjson.Get(raw, "reasoning").String()),
		SuggestedTags:    stringArray(gjson.Get(raw, "suggestedTags")),
		KeyInsights:      stringArray(gjson.Get(raw, "keyInsights")),
		DetailedSummary:  strings.TrimSpace(gjson.Get(raw, "detailedSummary").String()),
		SuggestedTitle:   strings.TrimSpace(gjson.Get(raw, "suggestedTitle").String()),
		Sentiment:        models.NormalizeSentiment(strings.ToLower(strings.TrimSpace(gjson.Get(raw, "sentiment").String()))),
		Importance:       models.DefaultImportance,
		ActionableAdvice: strings.TrimSpace(gjson.Get(raw, "actionableAdvice").String()),
		Source:           SourceAI,
	}

	if confidence := gjson.Get(raw, "confidence"); confidence.Exists() {
		eval.Confidence = clamp01(finiteOr(confidence.Float(), 0))
	}
	if should := gjson.Get(raw, "shouldStore"); should.Exists() {
		eval.ModelShouldStore = should.Bool()
	}
	if importance := gjson.Get(raw, "importanceScore"); importance.Exists() {
		eval.Importance = models.ClampImportance(int(math.Round(finiteOr(importance.Float(), models.DefaultImportance))))
	}
	return eval, true
}

// keywordEvaluation scores by the share of island keywords found in the content.
// Islands without keywords score 0.5.
func keywordEvaluation(agent *models.AgentProfile, dist *models.Distribution, confidence float64, source, reasoning string) *Evaluation {
	return &Evaluation{
		RelevanceScore: KeywordRelevance(agent, dist.Content+" "+dist.Summary),
		Confidence:     confidence,
		Reasoning:      reasoning,
		SuggestedTags:  agent.MatchedKeywords(dist.Content),
		Sentiment:      models.SentimentNeutral,
		Importance:     models.DefaultImportance,
		Source:         source,
	}
}

// KeywordRelevance is matched keywords over total keywords
func KeywordRelevance(agent *models.AgentProfile, content string) float64 {
	total := 0
	for _, kw := range agent.Keywords {
		if strings.TrimSpace(kw) != "" {
			total++
		}
	}
	if total == 0 {
		return 0.5
	}
	return float64(len(agent.MatchedKeywords(content))) / float64(total)
}

// Commit builds the knowledge record for a stored distribution. The record
// is embedded when an embedding model is configured; embedding failures leave
// the vector empty.
func (e *RelevanceEngine) Commit(ctx context.Context, dist *models.Distribution, agent *models.AgentProfile, eval *Evaluation) *models.KnowledgeRecord {
	title := eval.SuggestedTitle
	if title == "" {
		title = truncateRunes(strings.TrimSpace(dist.Content), titleFallbackRunes)
	}
	if title == "" {
		title = agent.Name
	}

	summary := dist.Summary
	if summary == "" {
		summary = eval.DetailedSummary
	}

	tags := eval.SuggestedTags
	if len(tags) == 0 {
		tags = agent.MatchedKeywords(dist.Content)
	}

	importance := eval.Importance
	if importance == 0 {
		importance = models.DefaultImportance
	}

	record := &models.KnowledgeRecord{
		ID:               uuid.New().String(),
		UserID:           dist.UserID,
		AgentID:          agent.ID,
		DistributionID:   dist.ID,
		Content:          dist.Content,
		ContentHash:      dist.ContentHash,
		Title:            title,
		Summary:          summary,
		DetailedSummary:  eval.DetailedSummary,
		Tags:             tags,
		Sentiment:        models.NormalizeSentiment(eval.Sentiment),
		Importance:       models.ClampImportance(importance),
		ActionableAdvice: eval.ActionableAdvice,
		RelevanceScore:   eval.RelevanceScore,
		CreatedAt:        e.now(),
	}

	if e.embeddingModel != "" {
		text := record.Title + "\n" + record.Summary
		if strings.TrimSpace(record.Summary) == "" {
			text = record.Title + "\n" + record.Content
		}
		vector, err := e.provider.Embed(ctx, text, e.embeddingModel)
		if err != nil {
			log.Printf("⚠️ [RELEVANCE] Embedding failed for distribution %s: %v", dist.ID, err)
		} else {
			record.Embedding = vector
		}
	}

	return record
}

func stringArray(result gjson.Result) []string {
	if !result.IsArray() {
		return nil
	}
	var out []string
	for _, item := range result.Array() {
		if s := strings.TrimSpace(item.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
