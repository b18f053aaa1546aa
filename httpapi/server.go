// Package httpapi serves the worker's local development surface over HTTP:
// the same dispatch, enqueue, and lookup operations the hosted platform
// drives through its own transport, exposed for simulators and smoke tests.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	goerrors "github.com/goliatone/go-errors"

	"github.com/flowsmartly/avatar-worker/core"
	"github.com/flowsmartly/avatar-worker/inbound"
)

const shutdownGrace = 5 * time.Second

// Dispatcher runs one job inline from the platform's raw JSON payload.
// inbound.Dispatcher satisfies it.
type Dispatcher interface {
	DispatchJSON(ctx context.Context, raw []byte) core.JobResult
}

// JobDirectory reads the job ledger and reports worker readiness.
// core.Service satisfies it.
type JobDirectory interface {
	GetJob(ctx context.Context, jobID string) (core.Job, error)
	ListRecentJobs(ctx context.Context, limit int) ([]core.Job, error)
	Readiness(ctx context.Context) core.ReadinessReport
}

// Server mounts the local API. The async routes need the enqueuer; hosts
// that only want inline dispatch may leave it nil and POST /run answers 503.
type Server struct {
	Config     core.HTTPConfig
	Dispatcher Dispatcher
	Enqueuer   core.JobEnqueuer
	Directory  JobDirectory
	Logger     core.Logger
}

func New(cfg core.HTTPConfig, dispatcher Dispatcher, enqueuer core.JobEnqueuer, directory JobDirectory) *Server {
	return &Server{
		Config:     cfg,
		Dispatcher: dispatcher,
		Enqueuer:   enqueuer,
		Directory:  directory,
	}
}

// Router builds the gin engine with every route mounted. Exposed separately
// from Run so tests can drive it with httptest.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLog())
	if len(s.Config.AllowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  s.Config.AllowOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type"},
			ExposeHeaders: []string{"Content-Length"},
		}))
	}

	router.POST("/runsync", s.handleRunSync)
	router.POST("/run", s.handleRun)
	router.GET("/jobs/:id", s.handleGetJob)
	router.GET("/jobs", s.handleListJobs)
	router.GET("/health", s.handleHealth)
	return router
}

// Run serves until the context is canceled, then drains in-flight requests
// inside the shutdown grace window.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.Config.Addr)
	if addr == "" {
		return fmt.Errorf("httpapi: listen address is required")
	}

	server := &http.Server{Addr: addr, Handler: s.Router()}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	s.logInfo(ctx, "httpapi: listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("httpapi: shutdown: %w", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("httpapi: serve: %w", err)
	}
}

func (s *Server) handleRunSync(c *gin.Context) {
	if s.Dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dispatcher is not configured"})
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body is unreadable"})
		return
	}
	result := s.Dispatcher.DispatchJSON(c.Request.Context(), raw)
	c.JSON(statusForResult(result), result)
}

func (s *Server) handleRun(c *gin.Context) {
	if s.Enqueuer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue is not configured"})
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body is unreadable"})
		return
	}
	envelope, err := inbound.ParseEnvelope(raw)
	if err != nil {
		c.JSON(statusForError(err, http.StatusBadRequest), gin.H{"error": err.Error()})
		return
	}
	if err := s.Enqueuer.Enqueue(c.Request.Context(), &envelope); err != nil {
		s.logError(c.Request.Context(), "httpapi: enqueue failed", "job_id", envelope.JobID, "error", err.Error())
		c.JSON(statusForError(err, http.StatusInternalServerError), gin.H{"error": "job could not be queued"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": envelope.JobID, "status": "queued"})
}

func (s *Server) handleGetJob(c *gin.Context) {
	if s.Directory == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job ledger is not configured"})
		return
	}
	job, err := s.Directory.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		s.logError(c.Request.Context(), "httpapi: job lookup failed", "job_id", c.Param("id"), "error", err.Error())
		c.JSON(statusForError(err, http.StatusInternalServerError), gin.H{"error": "job lookup failed"})
		return
	}
	c.JSON(http.StatusOK, jobView(job))
}

func (s *Server) handleListJobs(c *gin.Context) {
	if s.Directory == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job ledger is not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	jobs, err := s.Directory.ListRecentJobs(c.Request.Context(), limit)
	if err != nil {
		s.logError(c.Request.Context(), "httpapi: job list failed", "error", err.Error())
		c.JSON(statusForError(err, http.StatusInternalServerError), gin.H{"error": "job list failed"})
		return
	}
	views := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobView(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.Directory == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job ledger is not configured"})
		return
	}
	report := s.Directory.Readiness(c.Request.Context())
	status := http.StatusOK
	if !report.Ready() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, healthView(report))
}

// requestLog writes one structured line per request through the worker's
// logger instead of gin's default writer.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logInfo(c.Request.Context(), "httpapi: request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

type jobResponse struct {
	ID         string          `json:"id"`
	Status     core.JobStatus  `json:"status"`
	Engine     string          `json:"model,omitempty"`
	OutputURL  string          `json:"output_url,omitempty"`
	Error      *core.ErrorInfo `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func jobView(job core.Job) jobResponse {
	view := jobResponse{
		ID:         job.ID,
		Status:     job.Status,
		Engine:     job.Engine,
		OutputURL:  job.OutputURL,
		DurationMS: job.DurationMS,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	if job.ErrorKind != "" || job.ErrorMessage != "" {
		view.Error = &core.ErrorInfo{
			Kind:      core.ErrorKind(job.ErrorKind),
			Message:   job.ErrorMessage,
			Retryable: job.Retryable,
		}
	}
	return view
}

type engineHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

type healthResponse struct {
	Worker          string         `json:"worker"`
	Ready           bool           `json:"ready"`
	Engines         []engineHealth `json:"engines"`
	StoreConfigured bool           `json:"store_configured"`
	LedgerReady     bool           `json:"ledger_ready"`
	CheckedAt       time.Time      `json:"checked_at"`
}

func healthView(report core.ReadinessReport) healthResponse {
	engines := make([]engineHealth, 0, len(report.Engines))
	for _, engine := range report.Engines {
		engines = append(engines, engineHealth{Name: engine.Name, Ready: engine.Ready, Detail: engine.Detail})
	}
	return healthResponse{
		Worker:          report.WorkerName,
		Ready:           report.Ready(),
		Engines:         engines,
		StoreConfigured: report.StoreConfigured,
		LedgerReady:     report.LedgerReady,
		CheckedAt:       report.CheckedAt,
	}
}

// statusForResult maps a job outcome onto the response code: the result body
// is authoritative either way, the code is a convenience for curl and probes.
func statusForResult(result core.JobResult) int {
	if result.Succeeded() {
		return http.StatusOK
	}
	if result.Error != nil && result.Error.Kind == core.ErrorKindInvalidRequest {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// statusForError prefers the code a rich error carries.
func statusForError(err error, fallback int) int {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Code >= http.StatusBadRequest {
		return rich.Code
	}
	return fallback
}

func (s *Server) logInfo(ctx context.Context, msg string, args ...any) {
	if s == nil || s.Logger == nil {
		return
	}
	s.Logger.WithContext(ctx).Info(msg, args...)
}

func (s *Server) logError(ctx context.Context, msg string, args ...any) {
	if s == nil || s.Logger == nil {
		return
	}
	s.Logger.WithContext(ctx).Error(msg, args...)
}
