// Package api exposes the orchestrator's HTTP surface: submitting a
// generation or PDF-import request, polling/streaming its status, cancelling
// it, and a small set of operator routes (DLQ inspection, queue/request
// stats, health). spec.md explicitly leaves transport framing a non-goal, so
// the route shapes below are this repository's own choice; the request
// lifecycle they drive (request tracker, progress bus, job queue) is not.
//
// Structured the way tarsy's cmd/tarsy/main.go wires its gin.Engine: routes
// grouped on the engine, handlers as methods on a Server holding every
// collaborator it needs, nothing resolved through global state.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/crypto"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/progress"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/queue"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/tracker"
	"github.com/gin-gonic/gin"
)

// Server holds every collaborator the HTTP handlers need and owns the
// underlying gin.Engine and http.Server.
type Server struct {
	engine *gin.Engine
	http   *http.Server

	tracker        *tracker.Tracker
	dlq            *tracker.DLQ
	progress       *progress.Bus
	cipher         *crypto.Cipher
	generationPool *queue.WorkerPool
	pdfImportPool  *queue.WorkerPool
	jobQueue       *queue.Queue
}

// NewServer builds a Server with routes registered but not yet listening.
func NewServer(
	trk *tracker.Tracker,
	dlq *tracker.DLQ,
	bus *progress.Bus,
	cipher *crypto.Cipher,
	generationPool *queue.WorkerPool,
	pdfImportPool *queue.WorkerPool,
	jobQueue *queue.Queue,
) *Server {
	s := &Server{
		tracker:        trk,
		dlq:            dlq,
		progress:       bus,
		cipher:         cipher,
		generationPool: generationPool,
		pdfImportPool:  pdfImportPool,
		jobQueue:       jobQueue,
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	requests := s.engine.Group("/requests")
	requests.POST("", s.handleSubmitGeneration)
	requests.POST("/pdf-import", s.handleSubmitPDFImport)
	requests.GET("/:id", s.handleGetRequest)
	requests.GET("/:id/events", s.handleStreamProgress)
	requests.POST("/:id/cancel", s.handleCancelRequest)

	visits := s.engine.Group("/visits/:visitId/requests")
	visits.GET("", s.handleListByVisit)
	visits.GET("/active", s.handleGetActiveByVisit)

	users := s.engine.Group("/users/:userId/requests")
	users.GET("", s.handleListByUser)

	admin := s.engine.Group("/admin")
	admin.GET("/stats", s.handleStats)
	admin.GET("/dlq", s.handleListDLQ)
	admin.POST("/dlq/:id/resolve", s.handleResolveDLQ)
	admin.GET("/queues", s.handleQueueHealth)
}

// Start listens on addr. It blocks until the server stops or errors; call
// it from a goroutine and use Shutdown for graceful termination.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
