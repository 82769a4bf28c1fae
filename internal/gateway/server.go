// Package gateway exposes the orchestrator's HTTP surface: task intake,
// lease management for workers, event and state access, and the NDJSON
// run-streaming endpoint.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/queue"
)

// shutdownGrace bounds how long in-flight requests get on shutdown.
const shutdownGrace = 10 * time.Second

// Server hosts the HTTP API over one Repository.
type Server struct {
	repo    *queue.Repository
	logger  logging.Logger
	metrics *Metrics
	sweeper *Sweeper
	engine  *gin.Engine
	addr    string

	leaseTTL       time.Duration
	streamDeadline time.Duration
	streamPoll     time.Duration
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(logger logging.Logger) ServerOption {
	return func(s *Server) { s.logger = logging.OrNop(logger) }
}

// WithStreamPoll overrides the run-stream poll interval. Tests shorten it.
func WithStreamPoll(interval time.Duration) ServerOption {
	return func(s *Server) {
		if interval > 0 {
			s.streamPoll = interval
		}
	}
}

// WithStreamDeadline overrides the run-stream wall-clock deadline.
func WithStreamDeadline(deadline time.Duration) ServerOption {
	return func(s *Server) {
		if deadline > 0 {
			s.streamDeadline = deadline
		}
	}
}

// NewServer wires routes, middleware, metrics, and the expiry sweeper.
func NewServer(cfg config.Config, repo *queue.Repository, opts ...ServerOption) *Server {
	s := &Server{
		repo:           repo,
		logger:         logging.Nop(),
		metrics:        NewMetrics(),
		addr:           fmt.Sprintf(":%d", cfg.APIPort),
		leaseTTL:       cfg.LeaseTTL,
		streamDeadline: cfg.StreamDeadline,
		streamPoll:     time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sweeper = NewSweeper(repo, s.logger, s.metrics)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())
	s.routes(engine)
	s.engine = engine
	return s
}

func (s *Server) routes(engine *gin.Engine) {
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	engine.POST("/tasks/queue", s.handleQueueTask)
	engine.POST("/tasks/run", s.handleRunTask)
	engine.GET("/tasks", s.handleListTasks)
	engine.GET("/tasks/:id", s.handleGetTask)
	engine.GET("/tasks/:id/attempts", s.handleListAttempts)
	engine.GET("/tasks/:id/events", s.handleListTaskEvents)
	engine.POST("/tasks/lease", s.handleLease)
	engine.POST("/tasks/:id/heartbeat", s.handleHeartbeat)
	engine.POST("/tasks/:id/events", s.handleAppendEvent)
	engine.POST("/tasks/:id/complete", s.handleComplete)

	engine.GET("/events", s.handleListEvents)
	engine.GET("/state/:key", s.handleGetState)
	engine.POST("/state/:key", s.handleSetState)
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is canceled, then drains in-flight requests and
// stops the sweeper.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.addr,
		Handler: s.engine,
	}
	s.sweeper.Start()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.logger.Info("gateway listening on %s", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		s.sweeper.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
