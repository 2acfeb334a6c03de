// Package api exposes the session engine's operations over HTTP. The
// transport is a thin layer: every response body is produced by the session
// manager, and error sentinels map one-to-one onto error codes.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/nzcbass/refsession/rse/config"
	"github.com/nzcbass/refsession/rse/session"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

func init() {
	// "required" accepts whitespace-only strings; tokens and edit reasons
	// must carry content.
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	}
}

// Server wraps the gin engine and the underlying http.Server.
type Server struct {
	manager *session.Manager
	engine  *gin.Engine
	httpSrv *http.Server
	logger  zerolog.Logger
}

// NewServer builds the router and wires the handlers.
func NewServer(cfg *config.ServerConfig, manager *session.Manager, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		manager: manager,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	v1 := engine.Group("/v1")
	{
		v1.POST("/sessions", s.handleProvision())
		v1.POST("/sessions/init", s.handleInit())
		v1.POST("/sessions/:id/answers", s.handleSubmitAnswer())
		v1.GET("/sessions/:id/review", s.handleReview())
		v1.POST("/sessions/:id/complete", s.handleComplete())
		v1.POST("/answers/:id/revise", s.handleRevise())
		v1.GET("/answers/:id/versions", s.handleListVersions())
	}
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine = engine
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Handler returns the underlying http.Handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("HTTP server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// requestLogger logs one line per request with latency and status.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := s.logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}
