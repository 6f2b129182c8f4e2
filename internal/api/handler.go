package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"arb-core/internal/engine"
	"arb-core/internal/events"
)

// Server wires the operator HTTP endpoints around the session.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	JWTSecret string
	Logger    *zap.Logger

	mu         sync.Mutex
	httpServer *http.Server
}

func NewServer(svc engine.Service, bus *events.Bus, jwtSecret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                        // Panic recovery (first)
	r.Use(RequestIDMiddleware())                 // Request ID tracking
	r.Use(RequestLogger(logger))                 // Request logging (after ID is set)
	r.Use(NewIPRateLimiter(20, 50).Middleware()) // 20 req/s per IP, burst 50

	s := &Server{
		Router:    r,
		Engine:    svc,
		Bus:       bus,
		JWTSecret: jwtSecret,
		Logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/positions", s.getPositions)

		// Mutating operator actions
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/kill", s.kill)
			protected.POST("/connectivity", s.setConnectivity)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
