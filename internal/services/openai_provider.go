package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"knowledgeroute/internal/health"
)

// OpenAIProviderConfig configures an OpenAI-compatible endpoint
type OpenAIProviderConfig struct {
	Name              string
	BaseURL           string // e.g. https://api.openai.com/v1
	APIKey            string
	Model             string
	RequestsPerSecond float64 // <= 0 disables client-side throttling
	Burst             int
	GenerateTimeout   time.Duration // default for calls that set no Timeout
	StreamTimeout     time.Duration
	HTTPClient        *http.Client
}

// OpenAICompatibleProvider talks to any /chat/completions + /embeddings API
type OpenAICompatibleProvider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	limiter *rate.Limiter

	generateTimeout time.Duration
	streamTimeout   time.Duration
}

// NewOpenAICompatibleProvider creates a provider adapter
func NewOpenAICompatibleProvider(cfg OpenAIProviderConfig) *OpenAICompatibleProvider {
	client := cfg.HTTPClient
	if client == nil {
		// Per-call deadlines come from the request context
		client = &http.Client{}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	name := cfg.Name
	if name == "" {
		name = "openai"
	}

	return &OpenAICompatibleProvider{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  client,
		limiter: limiter,

		generateTimeout: cfg.GenerateTimeout,
		streamTimeout:   cfg.StreamTimeout,
	}
}

// withTimeout applies the provider's configured timeout when the call sets none
func (p *OpenAICompatibleProvider) withTimeout(cfg GenerateConfig, streaming bool) GenerateConfig {
	if cfg.Timeout <= 0 {
		if streaming {
			cfg.Timeout = p.streamTimeout
		} else {
			cfg.Timeout = p.generateTimeout
		}
	}
	return cfg.WithDefaults(streaming)
}

// Name returns the provider name used in logs, metrics and health tracking
func (p *OpenAICompatibleProvider) Name() string {
	return p.name
}

// Generate performs a single-shot completion
func (p *OpenAICompatibleProvider) Generate(ctx context.Context, prompt string, cfg GenerateConfig) (string, error) {
	cfg = p.withTimeout(cfg, false)
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	resp, err := p.postChat(ctx, prompt, cfg, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", p.transportError(ctx, err)
	}

	content := gjson.GetBytes(body, "choices.0.message.content").String()
	if strings.TrimSpace(content) == "" {
		return "", NewProviderError(KindEmptyResponse, p.name, resp.StatusCode, "no content in completion", nil)
	}
	return content, nil
}

// GenerateStream opens a streaming completion. The stream owns the call's deadline;
// Close must be called to release it.
func (p *OpenAICompatibleProvider) GenerateStream(ctx context.Context, prompt string, cfg GenerateConfig) (FragmentStream, error) {
	cfg = p.withTimeout(cfg, true)
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)

	resp, err := p.postChat(ctx, prompt, cfg, true)
	if err != nil {
		cancel()
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	// Large SSE chunks exceed the 64KB default
	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)

	return &sseStream{
		provider: p,
		ctx:      ctx,
		cancel:   cancel,
		body:     resp.Body,
		scanner:  scanner,
	}, nil
}

// Embed returns the embedding vector of text
func (p *OpenAICompatibleProvider) Embed(ctx context.Context, text, model string) ([]float32, error) {
	if model == "" {
		model = p.model
	}
	ctx, cancel := context.WithTimeout(ctx, p.withTimeout(GenerateConfig{}, false).Timeout)
	defer cancel()

	reqBody, err := json.Marshal(map[string]interface{}{
		"model": model,
		"input": text,
	})
	if err != nil {
		return nil, NewProviderError(KindBadRequest, p.name, 0, "failed to marshal request", err)
	}

	resp, err := p.do(ctx, http.MethodPost, "/embeddings", reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var apiResponse struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResponse); err != nil {
		return nil, NewProviderError(KindEmptyResponse, p.name, resp.StatusCode, "failed to parse embedding response", err)
	}
	if len(apiResponse.Data) == 0 || len(apiResponse.Data[0].Embedding) == 0 {
		return nil, NewProviderError(KindEmptyResponse, p.name, resp.StatusCode, "no embedding returned", nil)
	}
	return apiResponse.Data[0].Embedding, nil
}

// Ping lists models as a cheap liveness probe
func (p *OpenAICompatibleProvider) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := p.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (p *OpenAICompatibleProvider) postChat(ctx context.Context, prompt string, cfg GenerateConfig, stream bool) (*http.Response, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	requestBody := map[string]interface{}{
		"model": model,
		"messages": []map[string]interface{}{
			{"role": "user", "content": buildContent(prompt, cfg.Attachments)},
		},
		"stream":      stream,
		"temperature": *cfg.Temperature,
		"max_tokens":  cfg.MaxOutputTokens,
	}
	if cfg.JSONMode && !stream {
		requestBody["response_format"] = map[string]interface{}{"type": "json_object"}
	}

	reqBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, NewProviderError(KindBadRequest, p.name, 0, "failed to marshal request", err)
	}

	return p.do(ctx, http.MethodPost, "/chat/completions", reqBody)
}

// do sends a request and turns every non-200 outcome into a *ProviderError
func (p *OpenAICompatibleProvider) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, NewProviderError(KindTimeout, p.name, 0, "throttle wait exceeded deadline", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, NewProviderError(KindBadRequest, p.name, 0, "failed to create request", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := classifyStatus(resp.StatusCode, string(errBody))
		log.Printf("⚠️ [AI-PROVIDER] %s %s returned %d (%s)", p.name, path, resp.StatusCode, kind)
		return nil, NewProviderError(kind, p.name, resp.StatusCode, truncateBody(string(errBody)), nil)
	}
	return resp, nil
}

func (p *OpenAICompatibleProvider) transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return NewProviderError(KindTimeout, p.name, 0, "request timed out", err)
	}
	return NewProviderError(KindNetworkError, p.name, 0, "request failed", err)
}

// classifyStatus maps an HTTP status and error body onto an error kind
func classifyStatus(status int, body string) ErrorKind {
	if health.ClassifyLimit(status, body) != health.NotLimited {
		return KindRateLimited
	}
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return KindBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	}
	return KindNetworkError
}

// buildContent returns a plain string, or multimodal content parts when attachments exist
func buildContent(prompt string, attachments []Attachment) interface{} {
	if len(attachments) == 0 {
		return prompt
	}

	parts := []map[string]interface{}{
		{"type": "text", "text": prompt},
	}
	for _, a := range attachments {
		dataURL := "data:" + a.MimeType + ";base64," + a.Base64Data
		switch {
		case strings.HasPrefix(a.MimeType, "image/"):
			parts = append(parts, map[string]interface{}{
				"type":      "image_url",
				"image_url": map[string]interface{}{"url": dataURL},
			})
		case strings.HasPrefix(a.MimeType, "audio/"):
			parts = append(parts, map[string]interface{}{
				"type": "input_audio",
				"input_audio": map[string]interface{}{
					"data":   a.Base64Data,
					"format": audioFormat(a.MimeType),
				},
			})
		default:
			parts = append(parts, map[string]interface{}{
				"type": "file",
				"file": map[string]interface{}{"file_data": dataURL},
			})
		}
	}
	return parts
}

func audioFormat(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg":
		return "ogg"
	}
	return strings.TrimPrefix(strings.ToLower(mimeType), "audio/")
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 300 {
		return s
	}
	return s[:300] + "..."
}

// sseStream reads content deltas from a server-sent events body
type sseStream struct {
	provider *OpenAICompatibleProvider
	ctx      context.Context
	cancel   context.CancelFunc
	body     io.ReadCloser
	scanner  *bufio.Scanner
	emitted  bool
	done     bool
}

func (s *sseStream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return "", s.finish()
		}

		if errMsg := gjson.Get(data, "error.message"); errMsg.Exists() {
			s.done = true
			kind := KindNetworkError
			if health.ClassifyLimit(0, errMsg.String()) != health.NotLimited {
				kind = KindRateLimited
			}
			return "", NewProviderError(kind, s.provider.name, 0, errMsg.String(), nil)
		}

		content := gjson.Get(data, "choices.0.delta.content").String()
		if content == "" {
			continue
		}
		s.emitted = true
		return content, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.done = true
		return "", s.provider.transportError(s.ctx, err)
	}
	return "", s.finish()
}

func (s *sseStream) finish() error {
	s.done = true
	if !s.emitted {
		return NewProviderError(KindEmptyResponse, s.provider.name, 0, "stream ended without content", nil)
	}
	return io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	s.cancel()
	return s.body.Close()
}
