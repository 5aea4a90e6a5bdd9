package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rohang62/GPTree/internal/llm"
	"github.com/rohang62/GPTree/internal/store"
)

// EventSink receives the lifecycle events of a streamed exchange. The HTTP
// layer implements it over an SSE response; tests implement it in memory.
type EventSink interface {
	SendEvent(name string, data any) error
	SendComment(text string) error
}

type StreamParams struct {
	UserID         string
	ConversationID string
	Messages       []llm.Message
	Model          string
	Temperature    float64
}

type tokenEvent struct {
	Content string `json:"content"`
}

type errorEvent struct {
	Message string `json:"message"`
}

type doneEvent struct {
	FinishReason   string `json:"finish_reason"`
	ConversationID string `json:"conversationId"`
}

// Exchange is one prepared chat turn: prompt assembled, conversation identity
// settled, not yet streamed.
type Exchange struct {
	ConversationID string
	IsNew          bool

	svc         *Service
	userID      string
	model       string
	temperature float64
	prompt      []llm.Message
}

// Prepare validates the request and assembles the prompt. All errors here
// happen before any byte of the response stream is committed, so the caller
// surfaces them as plain HTTP errors.
func (s *Service) Prepare(ctx context.Context, params StreamParams) (*Exchange, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}

	conversationID := strings.TrimSpace(params.ConversationID)
	isNew := conversationID == ""
	if isNew {
		conversationID = uuid.NewString()
	}

	model := strings.TrimSpace(params.Model)
	if model == "" {
		model = s.defaultModel
	}

	prompt, err := s.AssembleHistory(ctx, conversationID, isNew, params.Messages, params.UserID)
	if err != nil {
		return nil, err
	}

	return &Exchange{
		ConversationID: conversationID,
		IsNew:          isNew,
		svc:            s,
		userID:         params.UserID,
		model:          model,
		temperature:    params.Temperature,
		prompt:         prompt,
	}, nil
}

// Run drives the provider stream into the sink and reconciles the result
// with the store. Once Run starts, every failure is reported in-band as an
// "error" event; the terminal "done" event is always emitted. Persistence is
// attempted no matter how the stream ended and runs on a context detached
// from the client connection.
func (e *Exchange) Run(ctx context.Context, sink EventSink) error {
	stamped := newStampedSink(sink)

	keepAliveCtx, stopKeepAlive := context.WithCancel(context.Background())
	defer stopKeepAlive()
	go keepAlive(keepAliveCtx, stamped, e.svc.keepAliveInterval)

	var response strings.Builder
	sinkFailed := false
	streamErr := e.svc.llm.StreamChatCompletion(ctx, llm.StreamRequest{
		Model:       e.model,
		Messages:    e.prompt,
		Temperature: e.temperature,
		TopP:        e.svc.defaultTopP,
	}, func(delta string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		response.WriteString(delta)
		if err := stamped.SendEvent("token", tokenEvent{Content: delta}); err != nil {
			sinkFailed = true
			return err
		}
		return nil
	})

	disconnected := ctx.Err() != nil || sinkFailed
	if streamErr != nil && !disconnected && !errors.Is(streamErr, context.Canceled) {
		_ = stamped.SendEvent("error", errorEvent{Message: streamErr.Error()})
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.svc.persistTimeout)
	defer cancel()
	if err := e.persist(persistCtx, response.String()); err != nil {
		e.svc.log.Error().Err(err).
			Str("conversation_id", e.ConversationID).
			Msg("failed to persist exchange")
		_ = stamped.SendEvent("error", errorEvent{Message: "failed to save to database: " + err.Error()})
	}

	stopKeepAlive()
	return stamped.SendEvent("done", doneEvent{FinishReason: "stop", ConversationID: e.ConversationID})
}

// persist writes the exchange through: conversation row first for new
// conversations, then the user turn (guarded against duplicates), then the
// assistant response, then the timestamp touch. Statements are individually
// atomic; there is no wrapping transaction.
func (e *Exchange) persist(ctx context.Context, response string) error {
	if e.IsNew {
		title := e.svc.conversationTitle(ctx, e.prompt, response)
		if _, err := e.svc.store.CreateConversation(ctx, store.Conversation{
			ID:          e.ConversationID,
			UserID:      e.userID,
			Title:       title,
			Model:       e.model,
			Temperature: e.temperature,
		}); err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
	}

	if userTurn, ok := lastUserMessage(e.prompt); ok {
		exists, err := e.svc.store.HasUserMessage(ctx, e.userID, e.ConversationID, userTurn.Content)
		if err != nil {
			return fmt.Errorf("check duplicate user message: %w", err)
		}
		if !exists {
			if _, err := e.svc.store.InsertMessage(ctx, store.Message{
				ConversationID: e.ConversationID,
				UserID:         e.userID,
				Role:           "user",
				Content:        userTurn.Content,
			}); err != nil {
				return fmt.Errorf("save user message: %w", err)
			}
		}
	}

	// An empty completion is a valid terminal state and is stored as-is.
	if _, err := e.svc.store.InsertMessage(ctx, store.Message{
		ConversationID: e.ConversationID,
		UserID:         e.userID,
		Role:           "assistant",
		Content:        response,
	}); err != nil {
		return fmt.Errorf("save assistant message: %w", err)
	}

	if err := e.svc.store.TouchConversation(ctx, e.userID, e.ConversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// stampedSink serializes writes to the underlying sink and records when the
// last one happened, so the keep-alive loop can measure idle time.
type stampedSink struct {
	mu   sync.Mutex
	sink EventSink
	last time.Time
}

func newStampedSink(sink EventSink) *stampedSink {
	return &stampedSink{sink: sink, last: time.Now()}
}

func (s *stampedSink) SendEvent(name string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sink.SendEvent(name, data); err != nil {
		return err
	}
	s.last = time.Now()
	return nil
}

func (s *stampedSink) SendComment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sink.SendComment(text); err != nil {
		return err
	}
	s.last = time.Now()
	return nil
}

func (s *stampedSink) idle() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.last)
}

// keepAlive emits a comment whenever the stream has been silent for the
// configured interval, measured against wall-clock time independently of the
// fragment loop. Intermediaries drop idle connections without it.
func keepAlive(ctx context.Context, sink *stampedSink, interval time.Duration) {
	tick := interval / 4
	if tick <= 0 {
		tick = interval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sink.idle() >= interval {
				_ = sink.SendComment("keep-alive")
			}
		}
	}
}
