package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/restxmpp/gateway/internal/config"
	"github.com/restxmpp/gateway/internal/pool"
	"github.com/restxmpp/gateway/internal/stats"
)

// GatewayApp is the REST surface over the session pool. Every
// session-scoped route authenticates with the session token before the
// handler runs.
type GatewayApp struct {
	log            *log.Logger
	pool           *pool.SessionPool
	stats          stats.StatsProvider
	mux            *http.Server
	allowedOrigins []string
	startTime      time.Time
}

func NewGatewayApp(mux *http.ServeMux, logger *log.Logger, p *pool.SessionPool, statsProvider stats.StatsProvider, cfg *config.Config) *GatewayApp {
	s := &GatewayApp{
		log:            logger,
		pool:           p,
		stats:          statsProvider,
		allowedOrigins: cfg.AllowedOrigins,
		startTime:      time.Now(),
	}

	mux.HandleFunc("POST /api/sessions", s.startSession)
	mux.Handle("GET /api/sessions/{id}", s.sessionMiddleware(s.getSession))
	mux.Handle("DELETE /api/sessions/{id}", s.sessionMiddleware(s.closeSession))
	mux.Handle("GET /api/sessions/{id}/notification", s.sessionMiddleware(s.pollNotification))
	mux.Handle("GET /api/sessions/{id}/messages", s.sessionMiddleware(s.getMessages))
	mux.Handle("POST /api/sessions/{id}/messages", s.sessionMiddleware(s.sendMessage))
	mux.Handle("GET /api/sessions/{id}/contacts", s.sessionMiddleware(s.listContacts))
	mux.Handle("POST /api/sessions/{id}/contacts", s.sessionMiddleware(s.addContact))
	mux.Handle("GET /api/sessions/{id}/contacts/{cid}", s.sessionMiddleware(s.getContact))
	mux.Handle("PUT /api/sessions/{id}/contacts/{cid}", s.sessionMiddleware(s.updateContact))
	mux.Handle("DELETE /api/sessions/{id}/contacts/{cid}", s.sessionMiddleware(s.removeContact))
	mux.Handle("POST /api/sessions/{id}/contacts/{cid}/authorize", s.sessionMiddleware(s.authorizeContact))
	mux.Handle("GET /api/sessions/{id}/contacts/{cid}/messages", s.sessionMiddleware(s.getContactMessages))
	mux.Handle("POST /api/sessions/{id}/contacts/{cid}/messages", s.sessionMiddleware(s.sendContactMessage))
	mux.Handle("GET /api/sessions/{id}/feed", s.sessionMiddleware(s.getFeed))
	mux.Handle("GET /api/sessions/{id}/rooms", s.sessionMiddleware(s.listRooms))
	mux.Handle("POST /api/sessions/{id}/rooms", s.sessionMiddleware(s.createRoom))
	mux.Handle("GET /api/sessions/{id}/rooms/{rid}", s.sessionMiddleware(s.getRoom))
	mux.Handle("DELETE /api/sessions/{id}/rooms/{rid}", s.sessionMiddleware(s.leaveRoom))
	mux.Handle("POST /api/sessions/{id}/rooms/{rid}/invite", s.sessionMiddleware(s.inviteToRoom))
	mux.Handle("GET /api/sessions/{id}/stream", s.sessionMiddleware(s.serveStream))
	mux.HandleFunc("GET /server-status", s.serverStatus)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "X-Session-Token"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *GatewayApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GatewayApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
