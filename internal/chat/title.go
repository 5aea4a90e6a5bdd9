package chat

import (
	"context"
	"strings"

	"github.com/rohang62/GPTree/internal/llm"
)

const (
	defaultTitle  = "New Chat"
	maxTitleWords = 8
)

// conversationTitle derives a title for a freshly created conversation.
// The provider is asked first, conditioned on the opening user message and
// the assistant reply; any failure falls back to a local heuristic. Both
// paths return a non-empty string.
func (s *Service) conversationTitle(ctx context.Context, prompt []llm.Message, response string) string {
	seed := make([]llm.Message, 0, 2)
	userTurn, hasUser := firstUserMessage(prompt)
	if hasUser {
		seed = append(seed, userTurn)
	}
	if strings.TrimSpace(response) != "" {
		seed = append(seed, llm.Message{Role: "assistant", Content: response})
	}

	if len(seed) > 0 {
		raw, err := s.llm.Title(ctx, seed)
		if err == nil {
			if title := sanitizeTitle(raw); title != "" {
				return title
			}
		} else {
			s.log.Debug().Err(err).Msg("provider title failed, using fallback")
		}
	}

	var userContent string
	if hasUser {
		userContent = userTurn.Content
	}
	return fallbackTitle(response, userContent)
}

// fallbackTitle takes the first sentence of the assistant reply, or of the
// user message when the reply is empty, truncated to the word limit.
func fallbackTitle(response, userContent string) string {
	source := strings.TrimSpace(response)
	if source == "" {
		source = strings.TrimSpace(userContent)
	}
	if source == "" {
		return defaultTitle
	}

	if title := sanitizeTitle(firstSentence(source)); title != "" {
		return title
	}
	return defaultTitle
}

func firstSentence(text string) string {
	if idx := strings.IndexAny(text, ".!?"); idx >= 0 {
		return text[:idx]
	}
	return text
}

// sanitizeTitle enforces the title contract: at most 8 words, no wrapping
// quotes, no terminal punctuation.
func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, "\"'`")

	words := strings.Fields(title)
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	title = strings.Join(words, " ")
	return strings.TrimRight(title, ".!?,;: ")
}
