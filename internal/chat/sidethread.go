package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/rohang62/GPTree/internal/store"
)

const sideThreadTitleLimit = 30

type SideThreadParams struct {
	UserID               string
	ParentMessageID      string
	ParentConversationID string
	SelectedText         string
	StartIndex           int
	EndIndex             int
}

// CreateSideThread branches a new conversation off a text selection inside a
// parent message: it creates the linked conversation, records the selection
// span on the parent message, and seeds the thread with an opening user
// message carrying the selection. StartIndex/EndIndex are trusted as given;
// they are not checked against the parent content's bounds.
func (s *Service) CreateSideThread(ctx context.Context, params SideThreadParams) (store.Conversation, store.Message, error) {
	if strings.TrimSpace(params.UserID) == "" ||
		strings.TrimSpace(params.ParentMessageID) == "" ||
		strings.TrimSpace(params.ParentConversationID) == "" {
		return store.Conversation{}, store.Message{},
			fmt.Errorf("%w: user_id, parent_message_id and parent_conversation_id are required", ErrValidation)
	}

	parent, err := s.store.GetMessage(ctx, params.UserID, params.ParentMessageID)
	if err != nil {
		return store.Conversation{}, store.Message{}, err
	}

	conversation, err := s.store.CreateConversation(ctx, store.Conversation{
		UserID:               params.UserID,
		Title:                sideThreadTitle(params.SelectedText),
		Model:                s.defaultModel,
		Temperature:          s.defaultTemperature,
		IsSideThread:         true,
		ParentConversationID: params.ParentConversationID,
		ParentMessageID:      params.ParentMessageID,
	})
	if err != nil {
		return store.Conversation{}, store.Message{}, fmt.Errorf("create side thread: %w", err)
	}

	spans := append(parent.IndicesForButton, store.ButtonSpan{
		Start:          params.StartIndex,
		End:            params.EndIndex,
		ConversationID: conversation.ID,
	})
	updatedParent, err := s.store.UpdateMessageButtons(ctx, params.UserID, parent.ID, spans)
	if err != nil {
		return store.Conversation{}, store.Message{}, fmt.Errorf("update parent message: %w", err)
	}

	// Seed turn so the side thread's first model call has the selection as
	// context.
	if _, err := s.store.InsertMessage(ctx, store.Message{
		ConversationID: conversation.ID,
		UserID:         params.UserID,
		Role:           "user",
		Content:        "Discuss this: " + params.SelectedText,
	}); err != nil {
		return store.Conversation{}, store.Message{}, fmt.Errorf("seed side thread: %w", err)
	}

	return conversation, updatedParent, nil
}

func sideThreadTitle(selected string) string {
	runes := []rune(selected)
	if len(runes) > sideThreadTitleLimit {
		return "Side: " + string(runes[:sideThreadTitleLimit]) + "..."
	}
	return "Side: " + selected
}
