package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/collabcode/internal/broadcast"
	"github.com/Tyrowin/collabcode/internal/config"
	"github.com/Tyrowin/collabcode/internal/persistence"
	"github.com/Tyrowin/collabcode/internal/room"
	"github.com/Tyrowin/collabcode/internal/router"
	"github.com/Tyrowin/collabcode/internal/session"
)

const defaultHubShutdownTimeout = 5 * time.Second

// Server owns the HTTP listener and the hub that serves it.
type Server struct {
	cfg        *config.Config
	hub        *Hub
	dispatcher *persistence.Dispatcher
	upgrader   websocket.Upgrader
	httpServer *http.Server
	logger     *slog.Logger

	startOnce sync.Once
	started   chan struct{}
}

// New builds the session registry, room store, broadcast engine and router
// around a hub. The dispatcher must already be started; its load results are
// consumed by the hub.
func New(cfg *config.Config, dispatcher *persistence.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	hub := NewHub(dispatcher.Loaded(), cfg.Heartbeat.StaleAfter, cfg.Heartbeat.SweepInterval, logger)
	rooms := room.NewStore(cfg.Room.DefaultDocument)
	bus := broadcast.NewEngine(rooms, hub, logger)
	hub.attach(router.New(session.NewRegistry(), rooms, bus, dispatcher, cfg.Room.DefaultRoom, logger))

	origins := newOriginPolicy(cfg.Server.AllowedOrigins, logger)
	s := &Server{
		cfg:        cfg,
		hub:        hub,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		logger:  logger,
		started: make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// Start launches the hub loop. It is safe to call more than once.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		go s.hub.Run()
		close(s.started)
	})
}

// Handler returns the HTTP routes, for mounting in tests or another server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Stats returns the hub's most recently published counts.
func (s *Server) Stats() router.Stats {
	return s.hub.Stats()
}

// ListenAndServe serves HTTP until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.Start()
	s.logger.Info("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Shutdown stops accepting requests, then stops the hub, which runs the close
// path for every connected client. The dispatcher is left to the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}

	select {
	case <-s.started:
		timeout := defaultHubShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := s.hub.Shutdown(timeout); err != nil {
			errs = append(errs, fmt.Errorf("shutdown hub: %w", err))
		}
	default:
	}

	return errors.Join(errs...)
}
