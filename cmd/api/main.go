package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rohang62/GPTree/internal/chat"
	"github.com/rohang62/GPTree/internal/config"
	"github.com/rohang62/GPTree/internal/db"
	"github.com/rohang62/GPTree/internal/httpapi"
	"github.com/rohang62/GPTree/internal/llm"
	"github.com/rohang62/GPTree/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger := bootstrapLogger()
		logger.Fatal().Err(err).Msg("load config")
	}
	log := newLogger(cfg)

	database, err := db.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer database.Close()

	st := store.New(database)
	if err := st.EnsureSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	client := llm.NewClient(cfg, nil)
	service := chat.NewService(cfg, st, client, log)
	handler := httpapi.NewRouter(cfg, service, st, log)

	srv := &http.Server{
		Addr:        cfg.ListenAddress(),
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays off so long-lived SSE streams are bounded by the
		// client and the keep-alive loop, not by a fixed response deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddress()).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

func bootstrapLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func newLogger(cfg config.Config) zerolog.Logger {
	logger := bootstrapLogger()
	if cfg.Environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}
