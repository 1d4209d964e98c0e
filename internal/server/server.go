// Package server exposes the redaction pipeline over HTTP.
//
// # Endpoints
//
// All routes live under /api/v1:
//
//   - POST   /detect            blanket redaction of an uploaded image
//   - POST   /selective-blur    blur faces that do not match the reference
//   - POST   /reference         upload a reference face for a session
//   - GET    /reference/status  whether a session has a reference loaded
//   - DELETE /reference         drop a session's reference
//   - POST   /session           create a session
//   - GET    /session/:id       session info
//   - DELETE /session/:id       delete a session and its files
//   - GET    /health            liveness probe
//   - GET    /model/info        detector configuration
//   - GET    /files/outputs/:name  download a produced image
//
// Errors map to status codes uniformly: malformed or oversized input is
// 400, unknown sessions and files are 404, processing failures are 500.
package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/privacykit/redactor/internal/config"
	"github.com/privacykit/redactor/internal/detect"
	"github.com/privacykit/redactor/internal/facematch"
	"github.com/privacykit/redactor/internal/pipeline"
	"github.com/privacykit/redactor/internal/session"
	"github.com/privacykit/redactor/internal/storage"
)

// Server wires the pipeline, matcher and session registry into HTTP
// handlers.
type Server struct {
	cfg      config.Config
	pipe     *pipeline.Pipeline
	detector *detect.Detector
	matcher  *facematch.Matcher
	sessions *session.Manager
	policy   storage.UploadPolicy
	logger   *zap.Logger
	router   *gin.Engine
}

// New builds the server and its route table. matcher may be nil when no
// face cascade is configured; the reference and selective endpoints then
// report 400.
func New(cfg config.Config, pipe *pipeline.Pipeline, detector *detect.Detector, matcher *facematch.Matcher, sessions *session.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		pipe:     pipe,
		detector: detector,
		matcher:  matcher,
		sessions: sessions,
		policy: storage.UploadPolicy{
			MaxBytes:   cfg.MaxUploadBytes,
			Extensions: cfg.AllowedExtensions,
		},
		logger: logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = cfg.MaxUploadBytes

	v1 := router.Group("/api/v1")
	{
		v1.POST("/detect", s.handleDetect)
		v1.POST("/selective-blur", s.handleSelectiveBlur)

		v1.POST("/reference", s.handleReferenceUpload)
		v1.GET("/reference/status", s.handleReferenceStatus)
		v1.DELETE("/reference", s.handleReferenceDelete)

		v1.POST("/session", s.handleSessionCreate)
		v1.GET("/session/:id", s.handleSessionGet)
		v1.DELETE("/session/:id", s.handleSessionDelete)

		v1.GET("/health", s.handleHealth)
		v1.GET("/model/info", s.handleModelInfo)
		v1.GET("/files/outputs/:name", s.handleOutputFile)
	}
	s.router = router
	return s
}

// Router exposes the handler tree for serving and for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run blocks serving HTTP on the configured address.
func (s *Server) Run() error {
	s.logger.Info("http server starting", zap.String("addr", s.cfg.ListenAddr))
	return s.router.Run(s.cfg.ListenAddr)
}

// fail writes the uniform error body and logs server-side failures.
func (s *Server) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, detect.ErrInvalidImage),
		errors.Is(err, storage.ErrTooLarge),
		errors.Is(err, storage.ErrBadExtension),
		errors.Is(err, facematch.ErrNoFaceFound),
		errors.Is(err, facematch.ErrEmptyCrop),
		errors.Is(err, facematch.ErrDegenerateCrop):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
