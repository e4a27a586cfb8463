// Package server exposes the generation relay over HTTP: a streaming
// generate endpoint and a model-listing passthrough.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/simplifai/spiegami"
)

// ModelLister is the upstream's non-streaming surface used by the
// model-listing passthrough.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Server wires the orchestrator into HTTP handlers.
type Server struct {
	svc    *spiegami.Service
	models ModelLister
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithModelLister enables the GET /api/models passthrough.
func WithModelLister(m ModelLister) Option {
	return func(s *Server) { s.models = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server around the given service.
func New(svc *spiegami.Service, opts ...Option) *Server {
	s := &Server{svc: svc}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "metodo non consentito"})
	})
	r.POST("/api/generate", s.handleGenerate)
	if s.models != nil {
		r.GET("/api/models", s.handleModels)
	}
	return r
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req spiegami.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "corpo della richiesta non valido"})
		return
	}

	caller := spiegami.Caller{
		Key:       c.ClientIP(),
		RequestID: uuid.New().String(),
	}
	c.Header("X-Request-ID", caller.RequestID)

	sink := &sseSink{c: c}
	out, err := s.svc.Generate(c.Request.Context(), caller, req, sink)
	if err != nil && !out.Streamed {
		s.writeRejection(c, out, err)
	}
	// Once streaming started the service owns the terminal event; there
	// is nothing left to write here.
}

func (s *Server) writeRejection(c *gin.Context, out spiegami.Outcome, err error) {
	status := spiegami.StatusCode(err)
	body := gin.H{"error": spiegami.ErrorMessage(err)}
	if out.Quota.Metered {
		c.Header("X-Quota-Remaining", strconv.FormatInt(out.Quota.Remaining, 10))
		c.Header("X-Quota-Limit", strconv.FormatInt(out.Quota.Limit, 10))
		body["quota"] = quotaJSON(out.Quota)
	}
	if errors.Is(err, spiegami.ErrQuotaExhausted) {
		body["retryAt"] = out.Quota.ResetAt.UTC().Format(time.RFC3339)
	}
	c.JSON(status, body)
}

func (s *Server) handleModels(c *gin.Context) {
	names, err := s.models.ListModels(c.Request.Context())
	if err != nil {
		c.JSON(spiegami.StatusCode(err), gin.H{"error": spiegami.ErrorMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": names})
}
