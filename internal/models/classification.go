package models

import "time"

// ClassificationCacheEntry is what the classification cache stores per fingerprint
type ClassificationCacheEntry struct {
	AgentLabel string    `json:"agent_label"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	Summary    string    `json:"summary"`
	CreatedAt  time.Time `json:"created_at"`
}

// ImmediateResponse is the fast first-stage payload of the streaming classifier.
// Field names are part of the model contract.
type ImmediateResponse struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Summary    string  `json:"summary"`
}

// DeepAnalysis is the slower second-stage payload of the streaming classifier
type DeepAnalysis struct {
	ContentType   string   `json:"contentType"`
	ChiefAnalysis string   `json:"chiefAnalysis"`
	Summary       string   `json:"summary"`
	KeyTopics     []string `json:"keyTopics"`
	TargetAgents  []string `json:"targetAgents"`
}

// Classification is the combined result of classifying one submission
type Classification struct {
	AgentLabel    string
	Confidence    float64
	Reasoning     string
	Summary       string
	ContentType   string
	ChiefAnalysis string
	KeyTopics     []string
	TargetAgents  []string
	FromCache     bool
}

// ToCacheEntry converts a classification into a cache entry stamped with now
func (c *Classification) ToCacheEntry(now time.Time) ClassificationCacheEntry {
	return ClassificationCacheEntry{
		AgentLabel: c.AgentLabel,
		Confidence: c.Confidence,
		Reasoning:  c.Reasoning,
		Summary:    c.Summary,
		CreatedAt:  now,
	}
}

// ClassificationFromCache rebuilds a classification from a cache entry
func ClassificationFromCache(e ClassificationCacheEntry) *Classification {
	return &Classification{
		AgentLabel: e.AgentLabel,
		Confidence: e.Confidence,
		Reasoning:  e.Reasoning,
		Summary:    e.Summary,
		FromCache:  true,
	}
}
