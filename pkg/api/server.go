// Package api exposes the HTTP surface: job lifecycle routes, the inline
// SSE streaming path, and the WebSocket subscriber endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/quarry-ai/quarry/pkg/config"
	"github.com/quarry-ai/quarry/pkg/database"
	"github.com/quarry-ai/quarry/pkg/events"
	"github.com/quarry-ai/quarry/pkg/queue"
	"github.com/quarry-ai/quarry/pkg/services"
)

// Server wires the HTTP surface over the services layer, the event bus, and
// the worker pool.
type Server struct {
	cfg           *config.ServerConfig
	db            *database.Client
	bus           *events.Publisher
	pool          *queue.WorkerPool
	runner        *queue.Runner
	jobs          *services.JobService
	threads       *services.ThreadService
	notifications *services.NotificationService
	subscribers   *SubscriberHub

	echo       *echo.Echo
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the server and registers all routes.
func NewServer(
	cfg *config.ServerConfig,
	db *database.Client,
	bus *events.Publisher,
	pool *queue.WorkerPool,
	runner *queue.Runner,
	jobs *services.JobService,
	threads *services.ThreadService,
	notifications *services.NotificationService,
) *Server {
	s := &Server{
		cfg:           cfg,
		db:            db,
		bus:           bus,
		pool:          pool,
		runner:        runner,
		jobs:          jobs,
		threads:       threads,
		notifications: notifications,
		subscribers:   NewSubscriberHub(bus, jobs),
		logger:        slog.With("component", "api"),
	}

	e := echo.New()
	e.Use(securityHeaders())
	s.registerRoutes(e)
	s.echo = e

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/healthz", s.healthHandler)

	v1 := e.Group("/api/v1")

	jobs := v1.Group("/projects/:project/threads/:thread/jobs")
	jobs.POST("", s.createJobHandler)
	jobs.GET("/active", s.getActiveJobHandler)
	jobs.GET("/:id", s.getJobHandler)
	jobs.POST("/:id/start", s.startJobHandler)
	jobs.PATCH("/:id/progress", s.progressHandler)
	jobs.POST("/:id/complete", s.completeJobHandler)
	jobs.DELETE("/:id", s.cancelJobHandler)

	v1.GET("/projects/:project/threads/:thread/turns", s.listTurnsHandler)
	v1.POST("/projects/:project/query/stream", s.queryStreamHandler)
	v1.GET("/projects/:project/jobs/active", s.listActiveJobsHandler)
	v1.GET("/projects/:project/ws", s.projectWSHandler)
	v1.GET("/jobs/:id/ws", s.jobWSHandler)

	v1.GET("/projects/:project/notifications", s.listNotificationsHandler)
	v1.POST("/projects/:project/notifications/:id/read", s.markNotificationReadHandler)
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.subscribers.Close()
	return s.httpServer.Shutdown(ctx)
}
