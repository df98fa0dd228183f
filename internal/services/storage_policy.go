package services

import (
	"strings"

	"knowledgeroute/internal/models"
)

// Storage policy names accepted by STORAGE_POLICY
const (
	PolicyAlways    = "always"
	PolicyThreshold = "threshold"
)

// StoragePolicy decides whether an evaluated distribution becomes a knowledge record
type StoragePolicy interface {
	Name() string
	ShouldStore(eval *Evaluation, dist *models.Distribution) bool
}

// NewStoragePolicy returns the policy for name; unknown names get AlwaysStorePolicy
func NewStoragePolicy(name string) StoragePolicy {
	if strings.EqualFold(strings.TrimSpace(name), PolicyThreshold) {
		return NewThresholdStoragePolicy()
	}
	return AlwaysStorePolicy{}
}

// AlwaysStorePolicy stores every routed submission
type AlwaysStorePolicy struct{}

func (AlwaysStorePolicy) Name() string { return PolicyAlways }

func (AlwaysStorePolicy) ShouldStore(*Evaluation, *models.Distribution) bool { return true }

// Threshold is a minimum relevance and confidence pair
type Threshold struct {
	Relevance  float64
	Confidence float64
}

func (t Threshold) met(eval *Evaluation) bool {
	return eval.RelevanceScore >= t.Relevance && eval.Confidence >= t.Confidence
}

// ThresholdStoragePolicy stores only when scores clear a content-dependent bar.
// Resource links and conversational messages get lower bars than general content.
type ThresholdStoragePolicy struct {
	Default        Threshold
	Link           Threshold
	Conversational Threshold
}

// NewThresholdStoragePolicy returns the policy with the standard thresholds
func NewThresholdStoragePolicy() *ThresholdStoragePolicy {
	return &ThresholdStoragePolicy{
		Default:        Threshold{Relevance: 0.6, Confidence: 0.5},
		Link:           Threshold{Relevance: 0.3, Confidence: 0.3},
		Conversational: Threshold{Relevance: 0.4, Confidence: 0.4},
	}
}

func (p *ThresholdStoragePolicy) Name() string { return PolicyThreshold }

func (p *ThresholdStoragePolicy) ShouldStore(eval *Evaluation, dist *models.Distribution) bool {
	switch {
	case isResourceLink(dist):
		return p.Link.met(eval)
	case IsConversational(dist.Content):
		return p.Conversational.met(eval)
	}
	return p.Default.met(eval)
}

func isResourceLink(dist *models.Distribution) bool {
	return dist.ContentType == models.ContentTypeLink || (len(dist.Links) > 0 && len(strings.Fields(dist.Content)) <= 20)
}

var conversationalPhrases = []string{
	"hi", "hello", "hey", "thanks", "thank you", "good morning", "good night",
	"good evening", "how are you", "bye", "see you", "lol", "haha", "ok", "okay",
}

// IsConversational reports whether content reads like a short social message
func IsConversational(content string) bool {
	normalized := strings.ToLower(strings.TrimSpace(content))
	normalized = strings.Trim(normalized, "!?.,:) ")
	if normalized == "" || len(strings.Fields(normalized)) > 8 {
		return false
	}
	for _, phrase := range conversationalPhrases {
		if normalized == phrase || strings.HasPrefix(normalized, phrase+" ") || strings.HasPrefix(normalized, phrase+",") {
			return true
		}
	}
	return false
}
