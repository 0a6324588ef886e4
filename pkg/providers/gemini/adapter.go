package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/llm"
	"github.com/harunnryd/tutorcall/pkg/resilience"
	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash"

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client
}

// Adapter drives the Gemini generateContent API through the genai SDK.
type Adapter struct {
	model  string
	client *genai.Client
}

func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errorsx.NewNotConfigured("gemini.api_key")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTP,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Adapter{model: cfg.Model, client: client}, nil
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) Generate(ctx context.Context, input llm.Request) (llm.Response, error) {
	contents := make([]*genai.Content, 0, len(input.History)+1)
	for _, m := range input.History {
		var role genai.Role = genai.RoleUser
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(input.UserText, genai.RoleUser))

	config := &genai.GenerateContentConfig{}
	if input.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(input.SystemPrompt, genai.RoleUser)
	}
	if input.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*input.Temperature))
	}
	if input.MaxTokens > 0 {
		config.MaxOutputTokens = int32(input.MaxTokens)
	}

	resp, err := a.client.Models.GenerateContent(ctx, a.model, contents, config)
	if err != nil {
		return llm.Response{}, a.mapError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return llm.Response{}, errorsx.Malformed(a.Name(), "no candidates")
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return llm.Response{}, errorsx.Malformed(a.Name(), "empty candidate text")
	}
	out := llm.Response{Text: text, FinishReason: string(resp.Candidates[0].FinishReason)}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// mapError lifts SDK status errors into the shared retry taxonomy.
func (a *Adapter) mapError(err error) error {
	code := statusCode(err)
	switch {
	case code == http.StatusTooManyRequests:
		return resilience.RateLimitError{Provider: a.Name(), Message: err.Error()}
	case code > 0:
		return &llm.StatusError{Provider: a.Name(), Code: code, Body: err.Error()}
	default:
		return err
	}
}

func statusCode(err error) int {
	var v genai.APIError
	if errors.As(err, &v) {
		return v.Code
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return p.Code
	}
	return 0
}

var _ llm.LLMAdapter = (*Adapter)(nil)
