package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/rohang62/GPTree/internal/chat"
	"github.com/rohang62/GPTree/internal/config"
	"github.com/rohang62/GPTree/internal/store"
)

func NewRouter(cfg config.Config, service *chat.Service, st store.Store, log zerolog.Logger) http.Handler {
	h := NewHandler(cfg, service, st, log)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", h.Health)

		api.Post("/chat", h.ChatComplete)
		api.Post("/chat/stream", h.ChatStream)

		api.Route("/conversations", func(conversations chi.Router) {
			conversations.Get("/", h.ListConversations)
			conversations.Post("/", h.CreateConversation)
			conversations.Post("/side-thread", h.CreateSideThread)
			conversations.Get("/{conversationID}", h.GetConversation)
			conversations.Patch("/{conversationID}", h.UpdateConversation)
			conversations.Delete("/{conversationID}", h.DeleteConversation)
		})

		api.Get("/messages", h.ListMessages)
		api.Post("/messages", h.CreateMessage)
	})

	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", chimw.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
