package llm

import "strings"

// LimitReply cuts text after maxSentences sentence terminators and then to
// maxChars runes. A non-positive bound is ignored. Cuts prefer the last word
// boundary so the synthesizer never reads half a word.
func LimitReply(text string, maxSentences, maxChars int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	out := truncateSentences(text, maxSentences)
	if maxChars > 0 {
		runes := []rune(out)
		if len(runes) > maxChars {
			cut := string(runes[:maxChars])
			if i := strings.LastIndexAny(cut, " \t\n"); i > 0 {
				cut = cut[:i]
			}
			out = strings.TrimSpace(cut)
		}
	}
	return out
}

func truncateSentences(text string, maxSentences int) string {
	if maxSentences <= 0 {
		return text
	}
	var out strings.Builder
	count := 0
	for _, r := range text {
		out.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			count++
			if count >= maxSentences {
				break
			}
		}
	}
	result := strings.TrimSpace(out.String())
	if result == "" {
		return text
	}
	return result
}
