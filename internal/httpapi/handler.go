package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/rohang62/GPTree/internal/chat"
	"github.com/rohang62/GPTree/internal/config"
	"github.com/rohang62/GPTree/internal/llm"
	"github.com/rohang62/GPTree/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Handler struct {
	cfg     config.Config
	service *chat.Service
	store   store.Store
	log     zerolog.Logger
}

func NewHandler(cfg config.Config, service *chat.Service, st store.Store, log zerolog.Logger) Handler {
	return Handler{cfg: cfg, service: service, store: st, log: log}
}

func (h Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatStreamRequest struct {
	UserID         string        `json:"userId"`
	ConversationID string        `json:"conversationId"`
	Messages       []llm.Message `json:"messages"`
	Model          string        `json:"model"`
	Temperature    *float64      `json:"temperature"`
}

func (h Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	temperature := h.cfg.DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	exchange, err := h.service.Prepare(r.Context(), chat.StreamParams{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Messages:       req.Messages,
		Model:          req.Model,
		Temperature:    temperature,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	sink, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}

	if err := exchange.Run(r.Context(), sink); err != nil {
		// The response status is already committed; nothing to send but a log.
		h.log.Debug().Err(err).
			Str("conversation_id", exchange.ConversationID).
			Msg("stream ended with write error")
	}
}

type chatCompleteRequest struct {
	Messages    []llm.Message `json:"messages"`
	Model       string        `json:"model"`
	Temperature *float64      `json:"temperature"`
}

func (h Handler) ChatComplete(w http.ResponseWriter, r *http.Request) {
	var req chatCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	temperature := h.cfg.DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	content, err := h.service.Complete(r.Context(), req.Model, temperature, req.Messages)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (h Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	page, pageSize := pageParams(r)

	conversations, total, err := h.store.ListConversations(r.Context(), userID, page, pageSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(conversations, page, pageSize, total))
}

type createConversationRequest struct {
	UserID      string   `json:"user_id"`
	Title       string   `json:"title"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
}

func (h Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	conversation := store.Conversation{
		UserID:      req.UserID,
		Title:       fallback(req.Title, "New Chat"),
		Model:       fallback(req.Model, h.cfg.DefaultModel),
		Temperature: h.cfg.DefaultTemperature,
	}
	if req.Temperature != nil {
		conversation.Temperature = *req.Temperature
	}

	created, err := h.store.CreateConversation(r.Context(), conversation)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	conversation, err := h.store.GetConversation(r.Context(), userID, chi.URLParam(r, "conversationID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversation)
}

type updateConversationRequest struct {
	UserID      string   `json:"user_id"`
	Title       *string  `json:"title"`
	Model       *string  `json:"model"`
	Temperature *float64 `json:"temperature"`
}

func (h Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req updateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	userID := fallback(req.UserID, r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	update := store.ConversationUpdate{
		Title:       req.Title,
		Model:       req.Model,
		Temperature: req.Temperature,
	}
	if update.Empty() {
		writeError(w, http.StatusBadRequest, "invalid_request", "no fields to update")
		return
	}

	conversation, err := h.store.UpdateConversation(r.Context(), userID, chi.URLParam(r, "conversationID"), update)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversation)
}

func (h Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	// Deleting an absent conversation still reports success.
	if err := h.store.DeleteConversation(r.Context(), userID, chi.URLParam(r, "conversationID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type sideThreadRequest struct {
	UserID               string `json:"user_id"`
	ParentMessageID      string `json:"parent_message_id"`
	ParentConversationID string `json:"parent_conversation_id"`
	SelectedText         string `json:"selected_text"`
	StartIndex           int    `json:"start_index"`
	EndIndex             int    `json:"end_index"`
}

type sideThreadResponse struct {
	Conversation store.Conversation `json:"conversation"`
	Message      store.Message      `json:"message"`
}

func (h Handler) CreateSideThread(w http.ResponseWriter, r *http.Request) {
	var req sideThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	conversation, message, err := h.service.CreateSideThread(r.Context(), chat.SideThreadParams{
		UserID:               req.UserID,
		ParentMessageID:      req.ParentMessageID,
		ParentConversationID: req.ParentConversationID,
		SelectedText:         req.SelectedText,
		StartIndex:           req.StartIndex,
		EndIndex:             req.EndIndex,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sideThreadResponse{Conversation: conversation, Message: message})
}

func (h Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if userID == "" || conversationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and conversation_id are required")
		return
	}

	// Ownership check first so a foreign conversation reads as absent.
	if _, err := h.store.GetConversation(r.Context(), userID, conversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	page, pageSize := pageParams(r)
	messages, total, err := h.store.ListMessages(r.Context(), userID, conversationID, page, pageSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(messages, page, pageSize, total))
}

type createMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

func (h Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.ConversationID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and conversation_id are required")
		return
	}
	switch req.Role {
	case "system", "user", "assistant":
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "role must be system, user or assistant")
		return
	}

	if _, err := h.store.GetConversation(r.Context(), req.UserID, req.ConversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	message, err := h.store.InsertMessage(r.Context(), store.Message{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Role:           req.Role,
		Content:        req.Content,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

func pageParams(r *http.Request) (page, pageSize int) {
	page = intQuery(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize = intQuery(r, "page_size", defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func intQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return value
}

func fallback(value, other string) string {
	if strings.TrimSpace(value) == "" {
		return strings.TrimSpace(other)
	}
	return strings.TrimSpace(value)
}
