package turn

import (
	"context"
	"strings"
	"time"

	"github.com/harunnryd/tutorcall/pkg/adapters/stt"
	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
	"github.com/harunnryd/tutorcall/pkg/conversation"
	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/harunnryd/tutorcall/pkg/llm"
	"github.com/harunnryd/tutorcall/pkg/metrics"
)

// Pipeline runs the three service stages of one turn. It holds no state
// between calls and is shared by the controller and the chat relay.
type Pipeline struct {
	Clients   Clients
	Config    Config
	Metrics   metrics.Observer
	SessionID string
}

// NewPipeline applies config defaults and requires all three clients.
func NewPipeline(clients Clients, cfg Config, obs metrics.Observer, sessionID string) (*Pipeline, error) {
	if err := clients.validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Pipeline{Clients: clients, Config: cfg.WithDefaults(), Metrics: obs, SessionID: sessionID}, nil
}

// Transcribe returns the trimmed transcript of one utterance.
func (p *Pipeline) Transcribe(ctx context.Context, audio stt.Audio) (string, error) {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()
	start := time.Now()
	text, err := p.Clients.Transcriber.Transcribe(ctx, audio, stt.Options{Language: p.Config.Language})
	p.record(metrics.EventTurnTranscribe, start, p.Clients.Transcriber.Name(), err, map[string]any{"input_bytes": len(audio.Data)})
	if err != nil {
		return "", errorsx.NewServiceError(errorsx.ServiceTranscription, p.Clients.Transcriber.Name(), err)
	}
	return strings.TrimSpace(text), nil
}

// Reply asks the dialogue model for the answer to userText given history.
func (p *Pipeline) Reply(ctx context.Context, userText string, history []llm.Message) (string, llm.Usage, error) {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()
	start := time.Now()
	resp, err := p.Clients.Dialogue.Generate(ctx, llm.Request{
		SystemPrompt: p.Config.SystemInstruction(),
		History:      llm.TrimHistory(history, p.Config.HistoryLimit),
		UserText:     userText,
		Temperature:  p.Config.Temperature,
		MaxTokens:    p.Config.MaxTokens,
	})
	p.record(metrics.EventTurnDialogue, start, p.Clients.Dialogue.Name(), err, map[string]any{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
	})
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = errorsx.Malformed(p.Clients.Dialogue.Name(), "empty reply")
	}
	if err != nil {
		return "", llm.Usage{}, errorsx.NewServiceError(errorsx.ServiceDialogue, p.Clients.Dialogue.Name(), err)
	}
	text := strings.TrimSpace(resp.Text)
	if p.Config.MaxReplyChars > 0 {
		text = llm.LimitReply(text, p.Config.MaxSentences, p.Config.MaxReplyChars)
	}
	return text, resp.Usage, nil
}

// Synthesize renders text with the configured voice.
func (p *Pipeline) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()
	start := time.Now()
	audio, err := p.Clients.Synthesizer.Synthesize(ctx, text, p.Config.Voice)
	p.record(metrics.EventTurnSynthesize, start, p.Clients.Synthesizer.Name(), err, map[string]any{"chars": len(text), "audio_bytes": len(audio.Data)})
	if err == nil && len(audio.Data) == 0 {
		err = errorsx.Malformed(p.Clients.Synthesizer.Name(), "empty audio")
	}
	if err != nil {
		return tts.Audio{}, errorsx.NewServiceError(errorsx.ServiceSynthesis, p.Clients.Synthesizer.Name(), err)
	}
	return audio, nil
}

// Result is the outcome of one stateless exchange.
type Result struct {
	UserText  string
	ReplyText string
	Audio     tts.Audio
}

// Run transcribes, replies and synthesizes without touching any session.
// An empty transcript yields an empty Result and no error.
func (p *Pipeline) Run(ctx context.Context, audio stt.Audio, history []llm.Message) (Result, error) {
	text, err := p.Transcribe(ctx, audio)
	if err != nil || text == "" {
		return Result{}, err
	}
	reply, _, err := p.Reply(ctx, text, history)
	if err != nil {
		return Result{UserText: text}, err
	}
	out, err := p.Synthesize(ctx, reply)
	if err != nil {
		return Result{UserText: text, ReplyText: reply}, err
	}
	return Result{UserText: text, ReplyText: reply, Audio: out}, nil
}

// HistoryMessages converts stored turns into model context, oldest first.
func HistoryMessages(turns []conversation.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Speaker {
		case conversation.SpeakerUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: t.Text})
		case conversation.SpeakerAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: t.Text})
		}
	}
	return out
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Config.StageTimeout > 0 {
		return context.WithTimeout(ctx, p.Config.StageTimeout)
	}
	return context.WithCancel(ctx)
}

func (p *Pipeline) record(name string, start time.Time, provider string, err error, fields map[string]any) {
	tags := map[string]string{
		"session_id": p.SessionID,
		"provider":   provider,
		"status":     "ok",
	}
	if err != nil {
		tags["status"] = "error"
		tags["reason_code"] = string(errorsx.Reason(err))
	}
	p.Metrics.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  metrics.Since(start),
		Tags:   tags,
		Fields: fields,
	})
}
