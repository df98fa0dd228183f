package services

import (
	"context"
	"fmt"
	"log"

	"knowledgeroute/internal/models"
)

// Classifier asks the AI provider which island a submission belongs to
type Classifier struct {
	provider AIProvider
}

// NewClassifier creates a classifier. provider is normally the DegradationController.
func NewClassifier(provider AIProvider) *Classifier {
	return &Classifier{provider: provider}
}

// ClassifyStream runs the two-stage streaming protocol. onEvent, if set, sees
// the immediate stage as soon as it is parsed.
func (c *Classifier) ClassifyStream(ctx context.Context, prompt string, attachments []Attachment, onEvent func(StreamEvent)) (*models.Classification, error) {
	stream, err := c.provider.GenerateStream(ctx, prompt, GenerateConfig{Attachments: attachments})
	if err != nil {
		return nil, fmt.Errorf("failed to open classification stream: %w", err)
	}

	classifier := NewStreamClassifier(stream)
	result, err := classifier.Collect(onEvent)
	if err != nil {
		log.Printf("❌ [CLASSIFY] Stream failed in state %s: %v", classifier.State(), err)
		return nil, fmt.Errorf("classification failed: %w", err)
	}
	return result, nil
}

// Classify makes one non-streaming call. The deep stage is optional here;
// an output with no usable immediate stage is an error.
func (c *Classifier) Classify(ctx context.Context, prompt string, attachments []Attachment) (*models.Classification, error) {
	output, err := c.provider.Generate(ctx, prompt, GenerateConfig{Attachments: attachments, JSONMode: true})
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}

	immediate, _, ok := nextStage(output, immediateKey, 0, decodeImmediate)
	if !ok {
		log.Printf("❌ [CLASSIFY] No usable immediate stage in %d bytes of output", len(output))
		return nil, fmt.Errorf("%w: no usable %s", ErrMalformedClassification, immediateKey)
	}

	var deep *models.DeepAnalysis
	if value, _, found := nextStage(output, deepKey, 0, decodeDeep); found {
		deep = &value
	} else {
		log.Printf("⚠️ [CLASSIFY] Deep analysis missing or unusable, continuing with immediate stage only")
	}

	return mergeClassification(&immediate, deep), nil
}
