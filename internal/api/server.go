// Package api exposes the retrieval service over HTTP: command submission,
// direct image upload, task queries, and operational health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/app/commands"
	"github.com/saludtech/data-retrieval/internal/app/lifecycle"
	"github.com/saludtech/data-retrieval/internal/app/query"
	"github.com/saludtech/data-retrieval/internal/app/upload"
	"github.com/saludtech/data-retrieval/internal/config"
	"github.com/saludtech/data-retrieval/internal/infra/eventbus/kafka"
	"github.com/saludtech/data-retrieval/internal/infra/outbox"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
	"github.com/saludtech/data-retrieval/pkg/common/otel"
)

// Server routes HTTP requests to the command handler, the upload ingress and
// the query service. Commands submitted over HTTP run through the same
// idempotent handler as queued commands; the HTTP surface synthesizes command
// ids when the caller does not supply one.
type Server struct {
	cfg        *config.Config
	logger     *logger.Logger
	engine     *gin.Engine
	cmdHandler commands.Handler
	uploads    *upload.Service
	queries    *query.Service
	tracer     trace.Tracer

	// consumer, relay and monitor are optional; when present their status
	// feeds the health endpoint.
	consumer *kafka.CommandConsumer
	relay    *outbox.Relay
	monitor  *lifecycle.Monitor
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(
	cfg *config.Config,
	log *logger.Logger,
	tracer trace.Tracer,
	cmdHandler commands.Handler,
	uploads *upload.Service,
	queries *query.Service,
	consumer *kafka.CommandConsumer,
	relay *outbox.Relay,
	monitor *lifecycle.Monitor,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(loggerMiddleware(log))

	s := &Server{
		cfg:        cfg,
		logger:     log,
		engine:     engine,
		cmdHandler: cmdHandler,
		uploads:    uploads,
		queries:    queries,
		tracer:     tracer,
		consumer:   consumer,
		relay:      relay,
		monitor:    monitor,
	}

	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		log.Info(ctx, "Request completed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"trace_id", otel.GetTraceID(ctx),
		)
	}
}

func (s *Server) routes() {
	v1 := s.engine.Group("/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/readiness", s.handleReadiness)

		v1.POST("/tasks", s.handleCreateTask)
		v1.GET("/tasks", s.handleListTasks)
		v1.GET("/tasks/:id", s.handleGetTask)
		v1.POST("/tasks/:id/start", s.handleStartTask)
		v1.POST("/tasks/:id/complete", s.handleCompleteTask)
		v1.POST("/tasks/:id/images", s.handleUploadImage)
		v1.POST("/tasks/:id/images/batch", s.handleUploadImageBatch)
		v1.GET("/tasks/:id/images", s.handleListImages)
		v1.DELETE("/tasks/:id/images/:image_id", s.handleDeleteImage)
	}
}

// Handler exposes the underlying router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", s.cfg.API.Host, s.cfg.API.Port),
		Handler: s.engine,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server",
		"addr", server.Addr,
		"service", "data-retrieval",
	)

	return server.ListenAndServe()
}
