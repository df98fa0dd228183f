package services

import (
	"context"
	"io"
	"sync"
	"time"
)

// fakeProvider is a scriptable AIProvider
type fakeProvider struct {
	name string

	mu            sync.Mutex
	generateCalls int
	streamCalls   int
	embedCalls    int
	prompts       []string
	configs       []GenerateConfig
	embedModels   []string

	generate func(call int, prompt string, cfg GenerateConfig) (string, error)
	stream   func(call int, prompt string, cfg GenerateConfig) (FragmentStream, error)
	embed    func(call int, text string) ([]float32, error)
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, prompt string, cfg GenerateConfig) (string, error) {
	f.mu.Lock()
	f.generateCalls++
	call := f.generateCalls
	f.prompts = append(f.prompts, prompt)
	f.configs = append(f.configs, cfg)
	fn := f.generate
	f.mu.Unlock()

	if fn == nil {
		return "", NewProviderError(KindEmptyResponse, f.name, 0, "no script", nil)
	}
	return fn(call, prompt, cfg)
}

func (f *fakeProvider) GenerateStream(ctx context.Context, prompt string, cfg GenerateConfig) (FragmentStream, error) {
	f.mu.Lock()
	f.streamCalls++
	call := f.streamCalls
	f.prompts = append(f.prompts, prompt)
	f.configs = append(f.configs, cfg)
	fn := f.stream
	f.mu.Unlock()

	if fn == nil {
		return nil, NewProviderError(KindEmptyResponse, f.name, 0, "no script", nil)
	}
	return fn(call, prompt, cfg)
}

func (f *fakeProvider) Embed(ctx context.Context, text, model string) ([]float32, error) {
	f.mu.Lock()
	f.embedCalls++
	call := f.embedCalls
	f.embedModels = append(f.embedModels, model)
	fn := f.embed
	f.mu.Unlock()

	if fn == nil {
		return nil, NewProviderError(KindEmptyResponse, f.name, 0, "no script", nil)
	}
	return fn(call, text)
}

func (f *fakeProvider) calls() (generate, stream, embed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generateCalls, f.streamCalls, f.embedCalls
}

func (f *fakeProvider) lastConfig() GenerateConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.configs) == 0 {
		return GenerateConfig{}
	}
	return f.configs[len(f.configs)-1]
}

// sliceStream replays fragments, then ends with err (io.EOF when nil)
type sliceStream struct {
	mu        sync.Mutex
	fragments []string
	err       error
	pos       int
	closed    bool
}

func newSliceStream(err error, fragments ...string) *sliceStream {
	return &sliceStream{fragments: fragments, err: err}
}

func (s *sliceStream) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", io.EOF
	}
	if s.pos < len(s.fragments) {
		fragment := s.fragments[s.pos]
		s.pos++
		return fragment, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *sliceStream) consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *sliceStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func rateLimited(name string) error {
	return NewProviderError(KindRateLimited, name, 429, "slow down", nil)
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }
