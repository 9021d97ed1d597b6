// Package dashboard serves a local JSON view of the client: connection
// states, cached sessions, messages and calls, plus a live event stream.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/agrilink/internal/logger"
)

const defaultHeartbeat = 15 * time.Second

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Store     Store
	Status    StatusFunc
	Hub       *Hub
	Port      int
	Out       io.Writer
	Log       logrus.FieldLogger
	Heartbeat time.Duration // SSE heartbeat interval
}

// Server is the dashboard HTTP server.
type Server struct {
	router *gin.Engine
	hub    *Hub
	port   int
	out    io.Writer
	log    logrus.FieldLogger
}

// New builds a dashboard server without starting it.
func New(opts StartOpts) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dashboard: store is required")
	}
	if opts.Status == nil {
		return nil, fmt.Errorf("dashboard: status func is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts.Store, opts.Status, opts.Hub, opts.Heartbeat)

	return &Server{
		router: router,
		hub:    opts.Hub,
		port:   opts.Port,
		out:    opts.Out,
		log:    logger.OrDefault(opts.Log, "dashboard"),
	}, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the event hub feeding /api/events.
func (s *Server) Hub() *Hub { return s.hub }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if s.out != nil {
		fmt.Fprintf(s.out, "Dashboard running at http://localhost:%d\n", s.port)
	}
	s.log.WithField("port", s.port).Info("dashboard listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled.
func Start(ctx context.Context, opts StartOpts) error {
	gin.SetMode(gin.ReleaseMode)
	s, err := New(opts)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
