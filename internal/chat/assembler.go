package chat

import (
	"context"
	"fmt"

	"github.com/rohang62/GPTree/internal/llm"
	"github.com/rohang62/GPTree/internal/store"
)

// AssembleHistory reconstructs the ordered prompt for a conversation. The
// result is exactly what a human replaying the conversation would see: for a
// new conversation the caller-supplied messages verbatim, for a continuation
// the stored history plus the new user turn, and for a side thread the parent
// history up to (and including) the branch point, then the side thread's own
// messages, then the new user turn. A new user turn whose content matches the
// last prompt entry is dropped so retries and reconnects cannot double-submit.
func (s *Service) AssembleHistory(ctx context.Context, conversationID string, isNew bool, incoming []llm.Message, userID string) ([]llm.Message, error) {
	if isNew {
		if len(incoming) == 0 {
			return nil, fmt.Errorf("%w: messages are required for new conversations", ErrValidation)
		}
		return append([]llm.Message(nil), incoming...), nil
	}

	conversation, err := s.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	if conversation.IsSideThread {
		return s.assembleSideThread(ctx, conversation, incoming)
	}

	history, err := s.store.ListAllMessages(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		if len(incoming) == 0 {
			return nil, fmt.Errorf("%w: no conversation history found and no messages provided", ErrValidation)
		}
		return append([]llm.Message(nil), incoming...), nil
	}

	return appendNewUserTurn(toPrompt(history), incoming), nil
}

func (s *Service) assembleSideThread(ctx context.Context, conversation store.Conversation, incoming []llm.Message) ([]llm.Message, error) {
	parentHistory, err := s.store.ListAllMessages(ctx, conversation.UserID, conversation.ParentConversationID)
	if err != nil {
		return nil, err
	}

	cut := -1
	for i, m := range parentHistory {
		if m.ID == conversation.ParentMessageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, fmt.Errorf("parent message %s: %w", conversation.ParentMessageID, store.ErrNotFound)
	}

	prompt := toPrompt(parentHistory[:cut+1])

	own, err := s.store.ListAllMessages(ctx, conversation.UserID, conversation.ID)
	if err != nil {
		return nil, err
	}
	prompt = append(prompt, toPrompt(own)...)

	return appendNewUserTurn(prompt, incoming), nil
}

func toPrompt(messages []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// appendNewUserTurn appends the first user-role entry of incoming to the
// prompt unless its content equals the current last entry's content.
func appendNewUserTurn(prompt, incoming []llm.Message) []llm.Message {
	for _, m := range incoming {
		if m.Role != "user" {
			continue
		}
		if len(prompt) > 0 && prompt[len(prompt)-1].Content == m.Content {
			return prompt
		}
		return append(prompt, llm.Message{Role: m.Role, Content: m.Content})
	}
	return prompt
}

func firstUserMessage(prompt []llm.Message) (llm.Message, bool) {
	for _, m := range prompt {
		if m.Role == "user" {
			return m, true
		}
	}
	return llm.Message{}, false
}

func lastUserMessage(prompt []llm.Message) (llm.Message, bool) {
	for i := len(prompt) - 1; i >= 0; i-- {
		if prompt[i].Role == "user" {
			return prompt[i], true
		}
	}
	return llm.Message{}, false
}
