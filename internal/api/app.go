package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-dmchat/internal/config"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/messages"
	"github.com/npezzotti/go-dmchat/internal/server"
	"github.com/npezzotti/go-dmchat/internal/stats"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type ChatApp struct {
	log            zerolog.Logger
	repo           database.ChatRepository
	svc            *messages.Service
	cs             *server.ChatServer
	stats          *stats.StatsUpdater
	limiter        *rateLimiter
	allowedOrigins []string
	handler        http.Handler
	srv            *http.Server
}

func NewChatApp(logger zerolog.Logger, cs *server.ChatServer, repo database.ChatRepository, svc *messages.Service, su *stats.StatsUpdater, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		repo:           repo,
		svc:            svc,
		cs:             cs,
		stats:          su,
		limiter:        newRateLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst, limiterTTL),
		allowedOrigins: cfg.AllowedOrigins,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	r.Get("/", s.status)
	r.Get("/healthz", s.healthCheck)
	r.Method(http.MethodGet, "/metrics", su.Handler())
	r.Get("/ws", s.serveWs)

	r.Route("/api", func(r chi.Router) {
		r.Get("/users", s.searchUsers)
		r.Get("/messages/{userId}", s.getConversation)
		r.With(s.rateLimit).Post("/messages", s.createMessage)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		errResp := NewMethodNotAllowedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	})

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(r)

	s.handler = s.errorHandler(h)
	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: s.handler,
	}

	return s
}

func (s *ChatApp) Handler() http.Handler {
	return s.handler
}

func (s *ChatApp) Start() error {
	go s.limiter.run()

	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	s.limiter.Stop()

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
