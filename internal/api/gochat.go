package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-groupchat/internal/auth"
	"github.com/npezzotti/go-groupchat/internal/config"
	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/groups"
	"github.com/npezzotti/go-groupchat/internal/server"
	"go.uber.org/zap"
)

type GoChatApp struct {
	log            *zap.Logger
	db             database.GoChatRepository
	groups         *groups.Service
	cs             *server.ChatServer
	tokens         *auth.TokenManager
	allowedOrigins []string
	mux            *http.Server
}

// NewGoChatApp mounts every route on r and wraps it with CORS and panic
// recovery. r may already carry other routes, such as /debug/vars.
func NewGoChatApp(r chi.Router, logger *zap.Logger, cs *server.ChatServer, db database.GoChatRepository, svc *groups.Service, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger,
		db:             db,
		groups:         svc,
		cs:             cs,
		tokens:         auth.NewTokenManager(cfg.SigningKey, auth.DefaultTokenTTL),
		allowedOrigins: cfg.AllowedOrigins,
	}

	r.Get("/healthz", s.healthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.createAccount)
		r.Post("/auth/login", s.login)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/session", s.session)
			r.Get("/auth/logout", s.logout)

			r.Post("/groups", s.createGroup)
			r.Get("/groups", s.listGroups)
			r.Route("/groups/{groupId}", func(r chi.Router) {
				r.Get("/", s.getGroup)
				r.Delete("/", s.deleteGroup)
				r.Get("/members", s.listMembers)
				r.Get("/requests", s.listRequests)
				r.Post("/join", s.joinGroup)
				r.Post("/leave", s.leaveGroup)
				r.Post("/approve", s.approveRequest)
				r.Post("/reject", s.rejectRequest)
				r.Post("/ban", s.banMember)
				r.Post("/promote", s.promoteMember)
				r.Post("/transfer-ownership", s.transferOwnership)
				r.Get("/messages", s.getMessages)
				r.Post("/messages", s.postMessage)
			})
		})
	})

	r.With(s.authMiddleware).Get("/ws/groups/{groupId}", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(r)

	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *GoChatApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *GoChatApp) Start() error {
	s.log.Info("starting server", zap.String("addr", s.mux.Addr))
	return s.mux.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
