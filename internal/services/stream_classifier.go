package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/tidwall/gjson"

	"knowledgeroute/internal/models"
)

var (
	// ErrIncompleteClassification means the stream ended before both stages arrived
	ErrIncompleteClassification = errors.New("classification stream ended before completion")
	// ErrMalformedClassification means a complete response held no usable immediate stage
	ErrMalformedClassification = errors.New("malformed classification payload")
)

const (
	immediateKey = "immediateResponse"
	deepKey      = "deepAnalysis"
)

// StreamState is the position of a StreamClassifier in the two-stage protocol
type StreamState int

const (
	StateAwaitingImmediate StreamState = iota
	StateAwaitingDeep
	StateDone
	StateFailed
)

func (s StreamState) String() string {
	switch s {
	case StateAwaitingImmediate:
		return "awaiting_immediate"
	case StateAwaitingDeep:
		return "awaiting_deep"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("StreamState(%d)", int(s))
}

// StreamEventKind identifies which stage an event carries
type StreamEventKind string

const (
	EventImmediate StreamEventKind = "immediate"
	EventDeep      StreamEventKind = "deep"
)

// StreamEvent is one stage of a streamed classification
type StreamEvent struct {
	Kind      StreamEventKind
	Immediate *models.ImmediateResponse
	Deep      *models.DeepAnalysis
}

// StreamClassifier reads a fragment stream that carries an immediateResponse
// object followed by a deepAnalysis object. Next yields the immediate event,
// then the deep event, then io.EOF. Once the deep object is parsed the
// underlying stream is closed and any trailing output is discarded.
type StreamClassifier struct {
	stream FragmentStream
	buf    strings.Builder
	state  StreamState
	err    error
	offset int // search start for the next stage
}

// NewStreamClassifier wraps stream. The classifier owns the stream from here on.
func NewStreamClassifier(stream FragmentStream) *StreamClassifier {
	return &StreamClassifier{stream: stream, state: StateAwaitingImmediate}
}

// State returns the current protocol state
func (c *StreamClassifier) State() StreamState {
	return c.state
}

// Next returns the next stage event, io.EOF after the deep event, or the
// terminal error once the classifier has failed
func (c *StreamClassifier) Next() (StreamEvent, error) {
	for {
		switch c.state {
		case StateDone:
			return StreamEvent{}, io.EOF
		case StateFailed:
			return StreamEvent{}, c.err
		}

		event, ready, err := c.tryParse()
		if err != nil {
			return StreamEvent{}, c.fail(err)
		}
		if ready {
			return event, nil
		}

		fragment, err := c.stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return StreamEvent{}, c.fail(fmt.Errorf("%w: stream ended while %s", ErrIncompleteClassification, c.state))
			}
			return StreamEvent{}, c.fail(err)
		}
		c.buf.WriteString(fragment)
	}
}

// tryParse attempts to complete the current stage from the buffered text.
// Partial objects are not errors and neither are stage objects that close
// but cannot be used; those are skipped and buffering continues.
func (c *StreamClassifier) tryParse() (StreamEvent, bool, error) {
	text := c.buf.String()

	switch c.state {
	case StateAwaitingImmediate:
		immediate, end, ok := nextStage(text, immediateKey, c.offset, decodeImmediate)
		c.offset = end
		if ok {
			c.state = StateAwaitingDeep
			return StreamEvent{Kind: EventImmediate, Immediate: &immediate}, true, nil
		}

	case StateAwaitingDeep:
		deep, end, ok := nextStage(text, deepKey, c.offset, decodeDeep)
		c.offset = end
		if ok {
			c.state = StateDone
			if err := c.stream.Close(); err != nil {
				log.Printf("⚠️ [CLASSIFY-STREAM] Failed to close stream after deep analysis: %v", err)
			}
			return StreamEvent{Kind: EventDeep, Deep: &deep}, true, nil
		}
	}

	return StreamEvent{}, false, nil
}

// nextStage returns the first usable object stored under key at or after
// from. Objects that close but do not decode are skipped. The returned offset
// is where the next search should start.
func nextStage[T any](text, key string, from int, decode func(raw string) (T, bool)) (T, int, bool) {
	var zero T
	for {
		res := ParseKeyedObject[json.RawMessage](text, key, from)
		if res.Status != ParseOK && res.Status != ParseInvalid {
			return zero, from, false
		}
		from = res.End
		if res.Status == ParseOK {
			if value, ok := decode(res.Raw); ok {
				return value, from, true
			}
		}
		log.Printf("⚠️ [CLASSIFY] Skipping unusable %s object (%d bytes)", key, len(res.Raw))
	}
}

// decodeImmediate reads the immediate stage leniently. Only the category is required.
func decodeImmediate(raw string) (models.ImmediateResponse, bool) {
	category := strings.TrimSpace(gjson.Get(raw, "category").String())
	if category == "" {
		return models.ImmediateResponse{}, false
	}
	return models.ImmediateResponse{
		Category:   category,
		Confidence: finiteOr(gjson.Get(raw, "confidence").Float(), 0),
		Reasoning:  strings.TrimSpace(gjson.Get(raw, "reasoning").String()),
		Summary:    strings.TrimSpace(gjson.Get(raw, "summary").String()),
	}, true
}

// decodeDeep reads the deep stage leniently. A bare string is accepted where a list is expected.
func decodeDeep(raw string) (models.DeepAnalysis, bool) {
	if !gjson.Valid(raw) {
		return models.DeepAnalysis{}, false
	}
	return models.DeepAnalysis{
		ContentType:   strings.TrimSpace(gjson.Get(raw, "contentType").String()),
		ChiefAnalysis: strings.TrimSpace(gjson.Get(raw, "chiefAnalysis").String()),
		Summary:       strings.TrimSpace(gjson.Get(raw, "summary").String()),
		KeyTopics:     stringList(gjson.Get(raw, "keyTopics")),
		TargetAgents:  stringList(gjson.Get(raw, "targetAgents")),
	}, true
}

// stringList is stringArray that also takes a single string value
func stringList(result gjson.Result) []string {
	if result.Type == gjson.String {
		if s := strings.TrimSpace(result.Str); s != "" {
			return []string{s}
		}
		return nil
	}
	return stringArray(result)
}

func (c *StreamClassifier) fail(err error) error {
	c.state = StateFailed
	c.err = err
	c.stream.Close()
	return err
}

// Collect drains the classifier into a single classification. Any failure,
// including a stream that stops after the immediate stage, is returned as an
// error and no partial result is produced.
func (c *StreamClassifier) Collect(onEvent func(StreamEvent)) (*models.Classification, error) {
	var immediate *models.ImmediateResponse
	var deep *models.DeepAnalysis

	for {
		event, err := c.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if onEvent != nil {
			onEvent(event)
		}
		switch event.Kind {
		case EventImmediate:
			immediate = event.Immediate
		case EventDeep:
			deep = event.Deep
		}
	}

	return mergeClassification(immediate, deep), nil
}

func mergeClassification(immediate *models.ImmediateResponse, deep *models.DeepAnalysis) *models.Classification {
	result := &models.Classification{
		AgentLabel: strings.TrimSpace(immediate.Category),
		Confidence: clamp01(immediate.Confidence),
		Reasoning:  immediate.Reasoning,
		Summary:    immediate.Summary,
	}
	if deep != nil {
		result.ContentType = deep.ContentType
		result.ChiefAnalysis = deep.ChiefAnalysis
		result.KeyTopics = deep.KeyTopics
		result.TargetAgents = deep.TargetAgents
		if strings.TrimSpace(deep.Summary) != "" {
			result.Summary = deep.Summary
		}
	}
	return result
}

// clamp01 bounds v to [0, 1]
func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
