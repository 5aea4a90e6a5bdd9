package store

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) (Store, *sql.DB) {
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

	store := New(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store, db
}

func TestCreateAndGetConversation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateConversation(ctx, Conversation{
		UserID:      "user-1",
		Title:       "TCP Basics",
		Model:       "gpt-4",
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated conversation id")
	}
	if created.CreatedAt == "" || created.UpdatedAt == "" {
		t.Fatalf("expected timestamps, got %+v", created)
	}

	fetched, err := store.GetConversation(ctx, "user-1", created.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if fetched.Title != "TCP Basics" || fetched.Model != "gpt-4" || fetched.Temperature != 0.7 {
		t.Fatalf("unexpected conversation: %+v", fetched)
	}
	if fetched.IsSideThread {
		t.Fatal("expected top-level conversation")
	}

	if _, err := store.GetConversation(ctx, "other-user", created.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for other user, got %v", err)
	}
}

func TestListConversationsExcludesSideThreadsAndPaginates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	parent, err := store.CreateConversation(ctx, Conversation{UserID: "user-1", Title: "Main A", Model: "gpt-4", Temperature: 0.7})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if _, err := store.CreateConversation(ctx, Conversation{UserID: "user-1", Title: "Main B", Model: "gpt-4", Temperature: 0.7}); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if _, err := store.CreateConversation(ctx, Conversation{
		UserID:               "user-1",
		Title:                "Side: detail",
		Model:                "gpt-4",
		Temperature:          0.7,
		IsSideThread:         true,
		ParentConversationID: parent.ID,
		ParentMessageID:      "msg-1",
	}); err != nil {
		t.Fatalf("create side thread: %v", err)
	}

	conversations, total, err := store.ListConversations(ctx, "user-1", 1, 10)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected total 2, got %d", total)
	}
	if len(conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(conversations))
	}
	for _, c := range conversations {
		if c.IsSideThread {
			t.Fatalf("side thread leaked into listing: %+v", c)
		}
	}

	paged, total, err := store.ListConversations(ctx, "user-1", 2, 1)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if total != 2 || len(paged) != 1 {
		t.Fatalf("expected 1 row on page 2 of 2, got %d rows (total %d)", len(paged), total)
	}
}

func TestSideThreadKeepsParentLinkage(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateConversation(ctx, Conversation{
		UserID:               "user-1",
		Title:                "Side: quote",
		Model:                "gpt-4",
		Temperature:          0.7,
		IsSideThread:         true,
		ParentConversationID: "conv-parent",
		ParentMessageID:      "msg-parent",
	})
	if err != nil {
		t.Fatalf("create side thread: %v", err)
	}

	fetched, err := store.GetConversation(ctx, "user-1", created.ID)
	if err != nil {
		t.Fatalf("get side thread: %v", err)
	}
	if !fetched.IsSideThread {
		t.Fatal("expected is_side_thread to be set")
	}
	if fetched.ParentConversationID != "conv-parent" || fetched.ParentMessageID != "msg-parent" {
		t.Fatalf("unexpected parent linkage: %+v", fetched)
	}
}

func TestUpdateConversationPartialFields(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateConversation(ctx, Conversation{UserID: "user-1", Title: "Old", Model: "gpt-4", Temperature: 0.7})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	title := "Renamed"
	temperature := 0.2
	updated, err := store.UpdateConversation(ctx, "user-1", created.ID, ConversationUpdate{Title: &title, Temperature: &temperature})
	if err != nil {
		t.Fatalf("update conversation: %v", err)
	}
	if updated.Title != "Renamed" || updated.Temperature != 0.2 {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if updated.Model != "gpt-4" {
		t.Fatalf("model should be untouched, got %q", updated.Model)
	}

	if _, err := store.UpdateConversation(ctx, "other-user", created.ID, ConversationUpdate{Title: &title}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for other user, got %v", err)
	}
}

func TestDeleteConversationCascadesToMessages(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	conversation, err := store.CreateConversation(ctx, Conversation{UserID: "user-1", Title: "Doomed", Model: "gpt-4", Temperature: 0.7})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := store.InsertMessage(ctx, Message{ConversationID: conversation.ID, UserID: "user-1", Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	if err := store.DeleteConversation(ctx, "user-1", conversation.ID); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}

	var messageCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?;`, conversation.ID).Scan(&messageCount); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if messageCount != 0 {
		t.Fatalf("expected cascade delete of messages, got %d", messageCount)
	}

	// Deleting again is a no-op, not an error.
	if err := store.DeleteConversation(ctx, "user-1", conversation.ID); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestListAllMessagesPreservesInsertionOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conversation, err := store.CreateConversation(ctx, Conversation{UserID: "user-1", Title: "Ordered", Model: "gpt-4", Temperature: 0.7})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	// Same-second inserts share a CURRENT_TIMESTAMP value, so ordering must
	// fall back to insertion order.
	contents := []string{"first", "second", "third", "fourth"}
	roles := []string{"user", "assistant", "user", "assistant"}
	for i := range contents {
		if _, err := store.InsertMessage(ctx, Message{
			ConversationID: conversation.ID,
			UserID:         "user-1",
			Role:           roles[i],
			Content:        contents[i],
		}); err != nil {
			t.Fatalf("insert message %d: %v", i, err)
		}
	}

	messages, err := store.ListAllMessages(ctx, "user-1", conversation.ID)
	if err != nil {
		t.Fatalf("list all messages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	for i, m := range messages {
		if m.Content != contents[i] {
			t.Fatalf("unexpected order at %d: got %q, want %q", i, m.Content, contents[i])
		}
	}
}

func TestListMessagesPaginates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conversation, err := store.CreateConversation(ctx, Conversation{UserID: "user-1", Title: "Paged", Model: "gpt-4", Temperature: 0.7})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.InsertMessage(ctx, Message{
			ConversationID: conversation.ID,
			UserID:         "user-1",
			Role:           "user",
			Content:        string(rune('a' + i)),
		}); err != nil {
			t.Fatalf("insert message %d: %v", i, err)
		}
	}

	messages, total, err := store.ListMessages(ctx, "user-1", conversation.ID, 2, 2)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages on page 2, got %d", len(messages))
	}
	if messages[0].Content != "c" || messages[1].Content != "d" {
		t.Fatalf("unexpected page contents: %+v", messages)
	}
}

func TestHasUserMessageMatchesRoleAndContent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conversation, err := store.CreateConversation(ctx, Conversation{UserID: "user-1", Title: "Dup", Model: "gpt-4", Temperature: 0.7})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := store.InsertMessage(ctx, Message{ConversationID: conversation.ID, UserID: "user-1", Role: "user", Content: "Hi"}); err != nil {
		t.Fatalf("insert user message: %v", err)
	}
	if _, err := store.InsertMessage(ctx, Message{ConversationID: conversation.ID, UserID: "user-1", Role: "assistant", Content: "Hello"}); err != nil {
		t.Fatalf("insert assistant message: %v", err)
	}

	exists, err := store.HasUserMessage(ctx, "user-1", conversation.ID, "Hi")
	if err != nil {
		t.Fatalf("check duplicate: %v", err)
	}
	if !exists {
		t.Fatal("expected existing user message to be found")
	}

	// Assistant content with the same text must not count as a user turn.
	exists, err = store.HasUserMessage(ctx, "user-1", conversation.ID, "Hello")
	if err != nil {
		t.Fatalf("check assistant content: %v", err)
	}
	if exists {
		t.Fatal("assistant message matched the user duplicate check")
	}

	exists, err = store.HasUserMessage(ctx, "user-1", conversation.ID, "Never sent")
	if err != nil {
		t.Fatalf("check missing content: %v", err)
	}
	if exists {
		t.Fatal("unexpected match for never-sent content")
	}
}

func TestUpdateMessageButtonsRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conversation, err := store.CreateConversation(ctx, Conversation{UserID: "user-1", Title: "Spans", Model: "gpt-4", Temperature: 0.7})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	message, err := store.InsertMessage(ctx, Message{ConversationID: conversation.ID, UserID: "user-1", Role: "assistant", Content: "Some long reply"})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if message.IndicesForButton != nil {
		t.Fatalf("expected no spans on fresh message, got %+v", message.IndicesForButton)
	}

	updated, err := store.UpdateMessageButtons(ctx, "user-1", message.ID, []ButtonSpan{{Start: 5, End: 9, ConversationID: "side-1"}})
	if err != nil {
		t.Fatalf("update buttons: %v", err)
	}
	if len(updated.IndicesForButton) != 1 {
		t.Fatalf("expected 1 span, got %+v", updated.IndicesForButton)
	}
	span := updated.IndicesForButton[0]
	if span.Start != 5 || span.End != 9 || span.ConversationID != "side-1" {
		t.Fatalf("unexpected span: %+v", span)
	}

	if _, err := store.UpdateMessageButtons(ctx, "user-1", "missing", nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing message, got %v", err)
	}
}

func TestMalformedButtonJSONReadsAsEmpty(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	conversation, err := store.CreateConversation(ctx, Conversation{UserID: "user-1", Title: "Bad JSON", Model: "gpt-4", Temperature: 0.7})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	message, err := store.InsertMessage(ctx, Message{ConversationID: conversation.ID, UserID: "user-1", Role: "assistant", Content: "reply"})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}

	if _, err := db.Exec(`UPDATE messages SET indices_for_button = ? WHERE message_id = ?;`, `{"not":"a list"`, message.ID); err != nil {
		t.Fatalf("corrupt spans: %v", err)
	}

	fetched, err := store.GetMessage(ctx, "user-1", message.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if fetched.IndicesForButton != nil {
		t.Fatalf("expected malformed spans to read as empty, got %+v", fetched.IndicesForButton)
	}
}
