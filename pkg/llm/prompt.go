package llm

import (
	"fmt"
	"strings"
)

// DefaultMaxSentences keeps spoken replies short.
const DefaultMaxSentences = 3

// DefaultPersona is used when neither a persona nor a system prompt is set.
const DefaultPersona = "You are a friendly virtual language tutor taking part in a video call."

// BuildSystemPrompt composes the fixed system instruction: persona, then the
// output-language constraint, then the brevity constraint.
func BuildSystemPrompt(persona, language string, maxSentences int) string {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		persona = DefaultPersona
	}
	if maxSentences <= 0 {
		maxSentences = DefaultMaxSentences
	}
	parts := []string{persona}
	if lang := strings.TrimSpace(language); lang != "" {
		parts = append(parts, fmt.Sprintf("Always answer in the language with code %s, whatever language the user speaks.", lang))
	}
	parts = append(parts,
		fmt.Sprintf("Your answer is spoken aloud: reply with at most %d short sentences, no lists, no markdown.", maxSentences))
	return strings.Join(parts, "\n")
}

// Messages renders req as system instruction, bounded history, then the new
// user message. Entries with unknown roles or blank content are skipped.
func Messages(req Request) []Message {
	out := make([]Message, 0, len(req.History)+2)
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		out = append(out, Message{Role: RoleSystem, Content: s})
	}
	for _, m := range req.History {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role != RoleUser && role != RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, Message{Role: role, Content: m.Content})
	}
	out = append(out, Message{Role: RoleUser, Content: req.UserText})
	return out
}

// TrimHistory keeps the newest limit messages.
func TrimHistory(history []Message, limit int) []Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}
