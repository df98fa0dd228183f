package models

import "time"

// Distribution is the persisted record of one classification run over one submission.
// Immutable after creation except for StoredBy.
type Distribution struct {
	ID               string          `bson:"_id" json:"id"`
	UserID           string          `bson:"userId" json:"user_id"`
	Content          string          `bson:"content" json:"content"`
	ContentType      string          `bson:"contentType" json:"content_type"`
	ContentHash      string          `bson:"contentHash" json:"content_hash"`
	Files            []FileReference `bson:"files,omitempty" json:"files,omitempty"`
	Links            []LinkReference `bson:"links,omitempty" json:"links,omitempty"`
	Images           []string        `bson:"images,omitempty" json:"images,omitempty"` // URLs of image attachments
	TargetAgentIDs   []string        `bson:"targetAgentIds" json:"target_agent_ids"`
	ChiefAnalysis    string          `bson:"chiefAnalysis,omitempty" json:"chief_analysis,omitempty"`
	Summary          string          `bson:"summary,omitempty" json:"summary,omitempty"`
	ProcessingTimeMs int64           `bson:"processingTimeMs" json:"processing_time_ms"`
	StoredBy         []string        `bson:"storedBy,omitempty" json:"stored_by,omitempty"`
	CreatedAt        time.Time       `bson:"createdAt" json:"created_at"`
}

// AgentDecision is the outcome of evaluating one distribution against one island
type AgentDecision struct {
	ID             string    `bson:"_id" json:"id"`
	DistributionID string    `bson:"distributionId" json:"distribution_id"`
	AgentID        string    `bson:"agentId" json:"agent_id"`
	RelevanceScore float64   `bson:"relevanceScore" json:"relevance_score"`
	Confidence     float64   `bson:"confidence" json:"confidence"`
	ShouldStore    bool      `bson:"shouldStore" json:"should_store"`
	Reasoning      string    `bson:"reasoning" json:"reasoning"`
	SuggestedTags  []string  `bson:"suggestedTags,omitempty" json:"suggested_tags,omitempty"`
	KeyInsights    []string  `bson:"keyInsights,omitempty" json:"key_insights,omitempty"`
	CreatedAt      time.Time `bson:"createdAt" json:"created_at"`
}

// EvaluationTask is handed to the external queue when evaluation runs asynchronously
type EvaluationTask struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	DistributionID    string    `json:"distribution_id"`
	CandidateAgentIDs []string  `json:"candidate_agent_ids"`
	Priority          int       `json:"priority"`
	Attempts          int       `json:"attempts"`
	EnqueuedAt        time.Time `json:"enqueued_at"`
}
