package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler, auth *Authenticator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	v1.Use(auth.RequireAuth())
	RegisterMaterialRoutes(v1, h)
	RegisterJobRoutes(v1, h)
	return router
}

func RegisterMaterialRoutes(router *gin.RouterGroup, h *Handler) {
	router.POST("/materials", h.SubmitMaterial)
	router.GET("/notifications", h.StreamNotifications)
}

func RegisterJobRoutes(router *gin.RouterGroup, h *Handler) {
	jobs := router.Group("/jobs")
	{
		jobs.GET("/:id", h.GetJob)
		jobs.GET("/:id/events", h.StreamJob)
		jobs.POST("/:id/cancel", h.CancelJob)
		jobs.POST("/:id/retry", h.RetryJob)
	}
}

func requestLogger() gin.HandlerFunc {
	logger := slog.Default().With("component", "api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"user", c.GetString(userIDKey),
		)
	}
}

// Server serves the public API. Event streams are bound to a base context
// that Stop cancels, so Shutdown does not wait on them.
type Server struct {
	server *http.Server
	cancel context.CancelFunc
}

func NewServer(router http.Handler, port int) *Server {
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return base },
		},
		cancel: cancel,
	}
}

// Start blocks until the server stops. A graceful shutdown is not an error.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	return s.server.Shutdown(ctx)
}
