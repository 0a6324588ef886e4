package llm

import "context"

// Roles used in chat-style histories.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the dialogue context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is everything a provider needs to produce one reply.
type Request struct {
	SystemPrompt string
	History      []Message
	UserText     string
	// Temperature is sent only when set.
	Temperature *float64
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// LLMAdapter defines the contract for any dialogue vendor.
type LLMAdapter interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

// Temperature returns v as a Request temperature.
func Temperature(v float64) *float64 { return &v }
