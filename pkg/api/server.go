// Package api provides the HTTP interface of a FreakWAN node: the same
// command surface the serial console offers, plus node status, neighbor
// listing, message history and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/freakwan/freakwan-node/pkg/cli"
	"github.com/freakwan/freakwan-node/pkg/mesh"
	"github.com/freakwan/freakwan-node/pkg/storage"
)

// Server is the HTTP API server.
type Server struct {
	fw         *mesh.FreakWAN
	ctrl       *cli.CommandsController
	archive    *storage.Archive
	router     *gin.Engine
	port       int
	httpServer *http.Server
}

// Config holds the server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8025,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates the HTTP API server. The archive may be nil when
// message archiving is disabled.
func NewServer(fw *mesh.FreakWAN, ctrl *cli.CommandsController, archive *storage.Archive, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	server := &Server{
		fw:      fw,
		ctrl:    ctrl,
		archive: archive,
		router:  router,
		port:    config.Port,
	}

	if config.EnableCORS {
		router.Use(corsMiddleware())
	}
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return server
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/neighbors", s.handleNeighbors)
		v1.GET("/messages", s.handleMessages)
		v1.GET("/keys", s.handleKeys)
		v1.POST("/command", s.handleCommand)
		v1.POST("/send", s.handleSend)
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start starts serving in a background goroutine.
func (s *Server) Start() error {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("API server error: %v\n", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}
