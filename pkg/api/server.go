// Package api is the ops HTTP surface: health, metrics, mode control, and
// the live event stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/health"
	"github.com/quorumnet/steward/pkg/memory"
	"github.com/quorumnet/steward/pkg/orchestrator"
	"github.com/quorumnet/steward/pkg/version"
)

// Server is the ops HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	orch       *orchestrator.Orchestrator
	monitor    *health.Monitor
	metrics    *health.Metrics
	eventBus   *bus.Bus
	store      *memory.Store
	stream     *streamHub
	log        *slog.Logger
}

// NewServer wires the routes.
func NewServer(orch *orchestrator.Orchestrator, monitor *health.Monitor,
	metrics *health.Metrics, eventBus *bus.Bus, store *memory.Store) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		orch:     orch,
		monitor:  monitor,
		metrics:  metrics,
		eventBus: eventBus,
		store:    store,
		stream:   newStreamHub(eventBus, store),
		log:      slog.Default().With("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	s.router.GET("/ws", s.stream.handleWS)

	control := s.router.Group("/control")
	control.POST("/pause", s.handlePause)
	control.POST("/resume", s.handleResume)
	control.POST("/recover", s.handleRecover)
}

// Start begins serving on addr. Non-blocking; errors after startup are
// logged.
func (s *Server) Start(addr string) {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.log.Info("Ops API listening", "addr", addr, "version", version.Full())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Ops API server failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.monitor.Last()
	body := gin.H{
		"mode":    s.orch.Mode().String(),
		"version": version.Full(),
	}
	status := http.StatusOK
	if snap == nil {
		body["status"] = "starting"
	} else {
		body["snapshot"] = snap
		if snap.Score < 0.3 {
			body["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			body["status"] = "healthy"
		}
	}
	c.JSON(status, body)
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.orch.Pause(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": s.orch.Mode().String()})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.orch.Resume(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": s.orch.Mode().String()})
}

func (s *Server) handleRecover(c *gin.Context) {
	if err := s.orch.Recover(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": s.orch.Mode().String()})
}
