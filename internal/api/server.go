// Package api handles HTTP and WebSocket API endpoints
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/lister3d/numpad-engine/internal/command"
	"github.com/lister3d/numpad-engine/internal/metascan"
	"github.com/lister3d/numpad-engine/internal/moonraker"
	"github.com/lister3d/numpad-engine/internal/numpad"
	"github.com/lister3d/numpad-engine/internal/sound"
	"github.com/lister3d/numpad-engine/internal/update"
)

// Deps are the components served by the API. Sound, Updater and Scanner may
// be nil when disabled.
type Deps struct {
	Dispatcher *numpad.Dispatcher
	Sound      *sound.Service
	Updater    *update.Updater
	Scanner    *metascan.Scanner
	Executor   *command.Executor
	Hub        *Hub
}

// Server is the API server
type Server struct {
	router   *gin.Engine
	deps     Deps
	log      hclog.Logger
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer creates a new API server
func NewServer(deps Deps, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(logger)
	}
	if deps.Executor == nil {
		deps.Executor = command.NewExecutor(deps.Dispatcher, deps.Sound, deps.Updater, deps.Scanner)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	server := &Server{
		router: router,
		deps:   deps,
		log:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}

	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	// Numpad
	s.router.POST("/server/numpad/event", s.handleNumpadEvent)
	s.router.GET("/server/numpad/status", s.handleNumpadStatus)

	// Sound system
	s.router.GET("/server/sound/list", s.handleSoundList)
	s.router.POST("/server/sound/play", s.handleSoundPlay)
	s.router.POST("/server/sound/scan", s.handleSoundScan)
	s.router.GET("/server/sound/info", s.handleSoundInfo)

	// Lister maintenance
	s.router.POST("/server/lister/update", s.handleListerUpdate)
	s.router.POST("/server/metadata/scan", s.handleMetadataScan)

	// Command endpoint
	s.router.POST("/command", s.handleCommand)

	// WebSocket
	s.router.GET("/websocket", s.handleWebSocket)

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "clients": s.deps.Hub.Count()})
	})
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the notification hub
func (s *Server) Hub() *Hub {
	return s.deps.Hub
}

// Run starts the API server and blocks until it stops
func (s *Server) Run(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and closes websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Hub.CloseAll()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// result writes a Moonraker style success envelope
func result(c *gin.Context, v interface{}) {
	c.JSON(http.StatusOK, gin.H{"result": v})
}

// fail writes a Moonraker style error envelope with a status derived from err
func fail(c *gin.Context, err error) {
	code := statusFor(err)
	c.JSON(code, gin.H{"error": gin.H{"code": code, "message": err.Error()}})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, numpad.ErrUnknownKey),
		errors.Is(err, sound.ErrNoSound),
		errors.Is(err, update.ErrInvalidMode),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errDisabled):
		return http.StatusNotFound
	case errors.Is(err, numpad.ErrHostUnavailable),
		errors.Is(err, moonraker.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var (
	errBadRequest = errors.New("bad request")
	errDisabled   = errors.New("component disabled")
)

func requestLogger(logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
