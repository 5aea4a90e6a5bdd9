package chat

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/rohang62/GPTree/internal/config"
	"github.com/rohang62/GPTree/internal/llm"
	"github.com/rohang62/GPTree/internal/store"
)

func newTestService(t *testing.T, streamer Streamer) (*Service, store.Store) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}

	st := store.New(db)
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	cfg := config.Config{
		DefaultModel:       "gpt-4",
		DefaultTemperature: 0.7,
		DefaultTopP:        1.0,
		KeepAliveInterval:  time.Second,
		PersistTimeout:     5 * time.Second,
	}
	return NewService(cfg, st, streamer, zerolog.Nop()), st
}

func seedConversation(t *testing.T, st store.Store, userID, title string) store.Conversation {
	t.Helper()
	conversation, err := st.CreateConversation(context.Background(), store.Conversation{
		UserID:      userID,
		Title:       title,
		Model:       "gpt-4",
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conversation
}

func seedSideThread(t *testing.T, st store.Store, userID, parentConversationID, parentMessageID string) store.Conversation {
	t.Helper()
	conversation, err := st.CreateConversation(context.Background(), store.Conversation{
		UserID:               userID,
		Title:                "Side: seeded",
		Model:                "gpt-4",
		Temperature:          0.7,
		IsSideThread:         true,
		ParentConversationID: parentConversationID,
		ParentMessageID:      parentMessageID,
	})
	if err != nil {
		t.Fatalf("seed side thread: %v", err)
	}
	return conversation
}

func seedMessage(t *testing.T, st store.Store, userID, conversationID, role, content string) store.Message {
	t.Helper()
	message, err := st.InsertMessage(context.Background(), store.Message{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		Content:        content,
	})
	if err != nil {
		t.Fatalf("seed message (%s %q): %v", role, content, err)
	}
	return message
}

type stubStreamer struct {
	tokens    []string
	delay     time.Duration
	err       error
	title     string
	titleErr  error
	onRequest func(llm.StreamRequest)
}

func (s stubStreamer) StreamChatCompletion(ctx context.Context, req llm.StreamRequest, onDelta func(string) error) error {
	if s.onRequest != nil {
		s.onRequest(req)
	}
	for _, token := range s.tokens {
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := onDelta(token); err != nil {
			return err
		}
	}
	return s.err
}

func (s stubStreamer) Title(context.Context, []llm.Message) (string, error) {
	if s.titleErr != nil {
		return "", s.titleErr
	}
	return s.title, nil
}

type sinkEvent struct {
	Name string
	Data any
}

// collectSink records events and comments in memory; onEvent fires after each
// recorded event so tests can react mid-stream (e.g. simulate a disconnect).
type collectSink struct {
	mu       sync.Mutex
	events   []sinkEvent
	comments []string
	onEvent  func(name string, count int)
}

func (s *collectSink) SendEvent(name string, data any) error {
	s.mu.Lock()
	s.events = append(s.events, sinkEvent{Name: name, Data: data})
	count := len(s.events)
	hook := s.onEvent
	s.mu.Unlock()
	if hook != nil {
		hook(name, count)
	}
	return nil
}

func (s *collectSink) SendComment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = append(s.comments, text)
	return nil
}

func (s *collectSink) recorded() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEvent(nil), s.events...)
}

func (s *collectSink) commentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.comments)
}

func eventsNamed(events []sinkEvent, name string) []sinkEvent {
	out := make([]sinkEvent, 0, len(events))
	for _, e := range events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
