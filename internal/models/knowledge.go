package models

import "time"

// KnowledgeRecord is the durable artifact created when a distribution is stored
type KnowledgeRecord struct {
	ID               string    `bson:"_id" json:"id"`
	UserID           string    `bson:"userId" json:"user_id"`
	AgentID          string    `bson:"agentId" json:"agent_id"`
	DistributionID   string    `bson:"distributionId" json:"distribution_id"`
	Content          string    `bson:"content" json:"content"`
	ContentHash      string    `bson:"contentHash" json:"content_hash"`
	Title            string    `bson:"title" json:"title"`
	Summary          string    `bson:"summary" json:"summary"`
	DetailedSummary  string    `bson:"detailedSummary,omitempty" json:"detailed_summary,omitempty"`
	Tags             []string  `bson:"tags,omitempty" json:"tags,omitempty"`
	Sentiment        string    `bson:"sentiment" json:"sentiment"`
	Importance       int       `bson:"importance" json:"importance"` // 1-10
	ActionableAdvice string    `bson:"actionableAdvice,omitempty" json:"actionable_advice,omitempty"`
	RelevanceScore   float64   `bson:"relevanceScore" json:"relevance_score"`
	Embedding        []float32 `bson:"embedding,omitempty" json:"-"`
	CreatedAt        time.Time `bson:"createdAt" json:"created_at"`
}

// Sentiment constants
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// Importance bounds
const (
	MinImportance     = 1
	MaxImportance     = 10
	DefaultImportance = 5
)

// NormalizeSentiment maps free-form model output onto the three known values
func NormalizeSentiment(s string) string {
	switch s {
	case SentimentPositive, "Positive", "POSITIVE":
		return SentimentPositive
	case SentimentNegative, "Negative", "NEGATIVE":
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// ClampImportance keeps an importance score within 1-10
func ClampImportance(v int) int {
	if v < MinImportance {
		return MinImportance
	}
	if v > MaxImportance {
		return MaxImportance
	}
	return v
}
