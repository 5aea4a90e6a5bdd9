package httpapi

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/rohang62/GPTree/internal/store"
)

func TestListMessagesReturnsConversationHistory(t *testing.T) {
	handler, st := newTestServer(t, stubStreamer{})
	conversation := seedConversation(t, st, "user-1", "History")
	seedMessage(t, st, "user-1", conversation.ID, "user", "first")
	seedMessage(t, st, "user-1", conversation.ID, "assistant", "second")

	resp := doRequest(t, handler, http.MethodGet,
		"/api/messages?user_id=user-1&conversation_id="+conversation.ID, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	var body struct {
		Data       []store.Message `json:"data"`
		Pagination pagination      `json:"pagination"`
	}
	decodeJSONBody(t, resp, &body)
	if len(body.Data) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(body.Data))
	}
	if body.Data[0].Content != "first" || body.Data[1].Content != "second" {
		t.Fatalf("messages out of order: %+v", body.Data)
	}
	if body.Pagination.TotalCount != 2 || body.Pagination.HasMore {
		t.Fatalf("unexpected pagination: %+v", body.Pagination)
	}
}

func TestListMessagesPagination(t *testing.T) {
	handler, st := newTestServer(t, stubStreamer{})
	conversation := seedConversation(t, st, "user-1", "History")
	for i := 0; i < 5; i++ {
		seedMessage(t, st, "user-1", conversation.ID, "user", fmt.Sprintf("msg %d", i))
	}

	resp := doRequest(t, handler, http.MethodGet,
		"/api/messages?user_id=user-1&conversation_id="+conversation.ID+"&page=3&page_size=2", "")
	var body struct {
		Data       []store.Message `json:"data"`
		Pagination pagination      `json:"pagination"`
	}
	decodeJSONBody(t, resp, &body)
	if len(body.Data) != 1 || body.Data[0].Content != "msg 4" {
		t.Fatalf("unexpected final page: %+v", body.Data)
	}
	if body.Pagination.HasMore {
		t.Fatal("final page should not report more")
	}
}

func TestListMessagesForeignConversationIsNotFound(t *testing.T) {
	handler, st := newTestServer(t, stubStreamer{})
	conversation := seedConversation(t, st, "user-1", "Private")
	seedMessage(t, st, "user-1", conversation.ID, "user", "secret")

	resp := doRequest(t, handler, http.MethodGet,
		"/api/messages?user_id=user-2&conversation_id="+conversation.ID, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected %d for foreign conversation, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestListMessagesRequiresIdentifiers(t *testing.T) {
	handler, _ := newTestServer(t, stubStreamer{})

	resp := doRequest(t, handler, http.MethodGet, "/api/messages?user_id=user-1", "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestCreateMessage(t *testing.T) {
	handler, st := newTestServer(t, stubStreamer{})
	conversation := seedConversation(t, st, "user-1", "Notes")

	resp := doRequest(t, handler, http.MethodPost, "/api/messages",
		fmt.Sprintf(`{"conversation_id":%q,"user_id":"user-1","role":"user","content":"remember this"}`, conversation.ID))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected %d, got %d: %s", http.StatusCreated, resp.Code, resp.Body.String())
	}

	var message store.Message
	decodeJSONBody(t, resp, &message)
	if message.ID == "" || message.Content != "remember this" {
		t.Fatalf("unexpected message: %+v", message)
	}
}

func TestCreateMessageRejectsUnknownRole(t *testing.T) {
	handler, st := newTestServer(t, stubStreamer{})
	conversation := seedConversation(t, st, "user-1", "Notes")

	resp := doRequest(t, handler, http.MethodPost, "/api/messages",
		fmt.Sprintf(`{"conversation_id":%q,"user_id":"user-1","role":"tool","content":"x"}`, conversation.ID))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestCreateMessageForeignConversationIsNotFound(t *testing.T) {
	handler, st := newTestServer(t, stubStreamer{})
	conversation := seedConversation(t, st, "user-1", "Private")

	resp := doRequest(t, handler, http.MethodPost, "/api/messages",
		fmt.Sprintf(`{"conversation_id":%q,"user_id":"user-2","role":"user","content":"x"}`, conversation.ID))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected %d, got %d", http.StatusNotFound, resp.Code)
	}
}
