package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/carewise/internal/api/middleware"
	"github.com/liliang-cn/carewise/internal/api/sessions"
	"github.com/liliang-cn/carewise/internal/service"
	"go.uber.org/zap"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	APIKey       string
	AllowOrigins []string
	// Shutdown, once closed, ends open event streams
	Shutdown <-chan struct{}
}

// SetupRouter sets up the Gin router
func SetupRouter(ctrl *service.SessionController, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg.AllowOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Session API (requires API key when configured)
	sessionHandler := sessions.NewHandler(ctrl, logger, cfg.Shutdown)
	apiGroup := r.Group("/api")
	apiGroup.Use(middleware.Auth(cfg.APIKey))
	sessionHandler.RegisterRoutes(apiGroup)

	return r
}

// NewServer builds the HTTP server for the local API. Shutting it down also
// ends open event streams, which would otherwise hold Shutdown until its
// deadline.
func NewServer(addr string, ctrl *service.SessionController, cfg RouterConfig, logger *zap.Logger) *http.Server {
	closing := make(chan struct{})
	cfg.Shutdown = closing

	// No write timeout: /api/events is long-lived
	srv := &http.Server{
		Addr:              addr,
		Handler:           SetupRouter(ctrl, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	var once sync.Once
	srv.RegisterOnShutdown(func() {
		once.Do(func() { close(closing) })
	})
	return srv
}
