package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Default generation settings
const (
	DefaultTemperature     = 0.7
	DefaultMaxOutputTokens = 2048
	DefaultGenerateTimeout = 30 * time.Second
	DefaultStreamTimeout   = 60 * time.Second
)

// Attachment is a media payload sent alongside a prompt
type Attachment struct {
	MimeType   string `json:"mime_type"`
	Base64Data string `json:"base64_data"`
}

// GenerateConfig tunes one generation call. Zero values mean "use the default".
type GenerateConfig struct {
	Model           string
	Temperature     *float64
	MaxOutputTokens int
	Timeout         time.Duration
	Attachments     []Attachment
	JSONMode        bool
}

// WithDefaults fills unset fields. streaming selects the longer default timeout.
func (c GenerateConfig) WithDefaults(streaming bool) GenerateConfig {
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if c.Timeout <= 0 {
		if streaming {
			c.Timeout = DefaultStreamTimeout
		} else {
			c.Timeout = DefaultGenerateTimeout
		}
	}
	return c
}

// Temp returns a pointer to t for GenerateConfig.Temperature
func Temp(t float64) *float64 {
	return &t
}

// FragmentStream is a pull-based sequence of text fragments.
// Next returns io.EOF once the provider signals completion. Not restartable.
type FragmentStream interface {
	Next() (string, error)
	Close() error
}

// AIProvider is a generative AI backend. Implementations do not retry.
type AIProvider interface {
	Name() string
	Generate(ctx context.Context, prompt string, cfg GenerateConfig) (string, error)
	GenerateStream(ctx context.Context, prompt string, cfg GenerateConfig) (FragmentStream, error)
	Embed(ctx context.Context, text, model string) ([]float32, error)
}

// ErrorKind classifies provider failures
type ErrorKind string

const (
	KindRateLimited   ErrorKind = "rate_limited"
	KindBadRequest    ErrorKind = "bad_request"
	KindUnauthorized  ErrorKind = "unauthorized"
	KindTimeout       ErrorKind = "timeout"
	KindNetworkError  ErrorKind = "network_error"
	KindEmptyResponse ErrorKind = "empty_response"
)

// Sentinel errors, one per kind, for errors.Is
var (
	ErrRateLimited   = &ProviderError{Kind: KindRateLimited}
	ErrBadRequest    = &ProviderError{Kind: KindBadRequest}
	ErrUnauthorized  = &ProviderError{Kind: KindUnauthorized}
	ErrTimeout       = &ProviderError{Kind: KindTimeout}
	ErrNetworkError  = &ProviderError{Kind: KindNetworkError}
	ErrEmptyResponse = &ProviderError{Kind: KindEmptyResponse}
)

// ErrAIUnavailable is returned when both the primary and fallback providers failed
var ErrAIUnavailable = errors.New("ai provider unavailable")

// ProviderError is a classified failure from an AIProvider
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := string(e.Kind)
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is matches any ProviderError of the same kind
func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*ProviderError)
	return ok && t.Kind == e.Kind
}

// NewProviderError builds a classified provider error
func NewProviderError(kind ErrorKind, provider string, statusCode int, message string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, StatusCode: statusCode, Message: message, Err: err}
}

// KindOf returns the kind of a provider error, or "" for anything else
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// CollectStream drains a fragment stream into a single string
func CollectStream(stream FragmentStream) (string, error) {
	defer stream.Close()
	var out []byte
	for {
		fragment, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, fragment...)
	}
}
