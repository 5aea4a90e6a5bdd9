// Package chat holds the core of the backend: reconstructing conversation
// history for the model, reconciling streamed responses with the datastore,
// and branching side threads off message selections.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rohang62/GPTree/internal/config"
	"github.com/rohang62/GPTree/internal/llm"
	"github.com/rohang62/GPTree/internal/store"
)

// ErrValidation marks missing or unusable caller input. The HTTP layer maps
// it to a 400 response.
var ErrValidation = errors.New("invalid request")

// Streamer is the slice of the provider client the chat service consumes.
type Streamer interface {
	StreamChatCompletion(ctx context.Context, req llm.StreamRequest, onDelta func(string) error) error
	Title(ctx context.Context, messages []llm.Message) (string, error)
}

type Service struct {
	store              store.Store
	llm                Streamer
	log                zerolog.Logger
	defaultModel       string
	defaultTemperature float64
	defaultTopP        float64
	keepAliveInterval  time.Duration
	persistTimeout     time.Duration
}

func NewService(cfg config.Config, st store.Store, streamer Streamer, log zerolog.Logger) *Service {
	return &Service{
		store:              st,
		llm:                streamer,
		log:                log,
		defaultModel:       cfg.DefaultModel,
		defaultTemperature: cfg.DefaultTemperature,
		defaultTopP:        cfg.DefaultTopP,
		keepAliveInterval:  cfg.KeepAliveInterval,
		persistTimeout:     cfg.PersistTimeout,
	}
}

// Complete runs a non-streaming completion over the caller-supplied messages.
// Nothing is persisted; this is the fallback path for clients that cannot
// consume SSE.
func (s *Service) Complete(ctx context.Context, model string, temperature float64, messages []llm.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: messages are required", ErrValidation)
	}
	if strings.TrimSpace(model) == "" {
		model = s.defaultModel
	}

	var full strings.Builder
	err := s.llm.StreamChatCompletion(ctx, llm.StreamRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		TopP:        s.defaultTopP,
	}, func(delta string) error {
		full.WriteString(delta)
		return nil
	})
	if err != nil {
		return "", err
	}
	return full.String(), nil
}
