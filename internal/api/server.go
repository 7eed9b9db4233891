// Package api exposes the scan orchestrator over HTTP: enqueue a scan, poll
// its status, inspect per-module progress and the final validity verdict.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/surfacehq/surfacescan/internal/config"
	"github.com/surfacehq/surfacescan/internal/core"
	"github.com/surfacehq/surfacescan/internal/logger"
	"github.com/surfacehq/surfacescan/pkg/types"
)

type Server struct {
	queue  core.JobQueue
	store  core.ArtifactStore
	cfg    config.APIConfig
	logger *logger.Logger
	http   *http.Server
}

func NewServer(queue core.JobQueue, store core.ArtifactStore, cfg config.APIConfig, log *logger.Logger) *Server {
	s := &Server{
		queue:  queue,
		store:  store,
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)
	router.POST("/scans", s.handleEnqueue)
	router.GET("/scans/:id/status", s.handleStatus)
	router.GET("/scans/:id/modules", s.handleModules)
	router.GET("/scans/:id/validity", s.handleValidity)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() error {
	s.logger.Infow("API server listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debugw("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type enqueueRequest struct {
	CompanyName string `json:"companyName"`
	Domain      string `json:"domain"`
	OwnerName   string `json:"ownerName"`
	UserID      string `json:"userId"`
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var missing []string
	if req.CompanyName == "" {
		missing = append(missing, "companyName")
	}
	if req.Domain == "" {
		missing = append(missing, "domain")
	}
	if req.UserID == "" {
		missing = append(missing, "userId")
	}
	if len(missing) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "missing required fields: " + strings.Join(missing, ", "),
		})
		return
	}

	job := &types.ScanJob{
		CompanyName: req.CompanyName,
		Domain:      req.Domain,
		OwnerName:   req.OwnerName,
		UserID:      req.UserID,
	}
	if err := s.queue.Enqueue(c.Request.Context(), job); err != nil {
		s.logger.LogError(c.Request.Context(), err, "api.handleEnqueue")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue scan"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.queue.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.LogError(c.Request.Context(), err, "api.handleStatus")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get status"})
		return
	}
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job id"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleModules(c *gin.Context) {
	statuses, err := s.queue.GetModuleStatuses(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.LogError(c.Request.Context(), err, "api.handleModules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get module statuses"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"modules": statuses})
}

func (s *Server) handleValidity(c *gin.Context) {
	validity, err := s.store.ValidateScanData(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.LogError(c.Request.Context(), err, "api.handleValidity")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to validate scan data"})
		return
	}
	c.JSON(http.StatusOK, validity)
}
