package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/llm"
	"github.com/harunnryd/tutorcall/pkg/redact"
	"github.com/harunnryd/tutorcall/pkg/resilience"
)

const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultChatModel = "gpt-3.5-turbo"
)

// Adapter talks to the chat completions endpoint.
type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	if model == "" {
		model = DefaultChatModel
	}
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: DefaultBaseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) FromProviderFormat(raw any) (llm.Response, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return llm.Response{}, errorsx.Malformed(a.Name(), "invalid response")
	}
	choices, _ := m["choices"].([]any)
	if len(choices) == 0 {
		return llm.Response{}, errorsx.Malformed(a.Name(), "no choices")
	}
	first, _ := choices[0].(map[string]any)
	msg, _ := first["message"].(map[string]any)
	content, ok := msg["content"].(string)
	if !ok || strings.TrimSpace(content) == "" {
		return llm.Response{}, errorsx.Malformed(a.Name(), "empty message content")
	}
	resp := llm.Response{Text: strings.TrimSpace(content)}
	if reason, _ := first["finish_reason"].(string); reason != "" {
		resp.FinishReason = reason
	}
	if usage, ok := m["usage"].(map[string]any); ok {
		resp.Usage = llm.Usage{
			PromptTokens:     intValue(usage["prompt_tokens"]),
			CompletionTokens: intValue(usage["completion_tokens"]),
			TotalTokens:      intValue(usage["total_tokens"]),
		}
	}
	return resp, nil
}

func (a *Adapter) Generate(ctx context.Context, input llm.Request) (llm.Response, error) {
	if strings.TrimSpace(a.APIKey) == "" {
		return llm.Response{}, errorsx.NewNotConfigured("openai.api_key")
	}
	body, err := a.buildRequest(input)
	if err != nil {
		return llm.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", body)
	if err != nil {
		return llm.Response{}, err
	}
	a.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client().Do(req)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(a.Name(), resp); err != nil {
		return llm.Response{}, err
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, errorsx.Malformed(a.Name(), "decode: "+err.Error())
	}
	return a.FromProviderFormat(payload)
}

func (a *Adapter) buildRequest(input llm.Request) (*bytes.Buffer, error) {
	req := map[string]any{
		"model":    a.Model,
		"messages": llm.Messages(input),
	}
	if input.Temperature != nil {
		req["temperature"] = *input.Temperature
	}
	if input.MaxTokens > 0 {
		req["max_tokens"] = input.MaxTokens
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

// checkStatus maps 429 to a rate limit and any other non-2xx to a StatusError.
func checkStatus(provider string, resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resilience.RateLimitError{
			Provider:   provider,
			Message:    redact.Credentials(strings.TrimSpace(string(body))),
			RetryAfter: resilience.RetryAfter(resp.Header, time.Now()),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &llm.StatusError{Provider: provider, Code: resp.StatusCode, Body: redact.Credentials(strings.TrimSpace(string(body)))}
	}
	return nil
}

func intValue(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

var errNoAudio = errors.New("empty audio payload")

var _ llm.LLMAdapter = (*Adapter)(nil)
