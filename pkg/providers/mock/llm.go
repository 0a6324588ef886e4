package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/tutorcall/pkg/llm"
)

type LLMConfig struct {
	ResponseText string
	Err          error
	Usage        llm.Usage
	// Block, when set, holds Generate until it is closed or ctx ends.
	Block <-chan struct{}
}

// LLMAdapter answers every request with the configured text and records
// what it was asked.
type LLMAdapter struct {
	cfg      LLMConfig
	mu       sync.Mutex
	requests []llm.Request
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" && cfg.Err == nil {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Request) (llm.Response, error) {
	a.mu.Lock()
	a.requests = append(a.requests, input)
	a.mu.Unlock()
	if err := wait(ctx, a.cfg.Block); err != nil {
		return llm.Response{}, err
	}
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	return llm.Response{Text: a.cfg.ResponseText, Usage: a.cfg.Usage, FinishReason: "stop"}, nil
}

// Requests returns the requests seen so far.
func (a *LLMAdapter) Requests() []llm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Request(nil), a.requests...)
}

func wait(ctx context.Context, block <-chan struct{}) error {
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
