// Package api exposes the ControlPort over HTTP, plus a websocket feed
// that streams lifecycle events (signal emitted, position opened/
// partial/closed, regime changed) to connected admin consoles. Routing,
// middleware, and graceful shutdown follow the teacher's gin server
// shape: gin.New() with explicit Logger/Recovery middleware, a
// cors.Config built from ServerConfig.AllowedOrigins, and an
// http.Server wrapping the gin engine for Start/Shutdown.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"futures-signal-core/internal/auth"
	"futures-signal-core/internal/config"
	"futures-signal-core/internal/events"
	"futures-signal-core/internal/logging"
	"futures-signal-core/internal/ports"
)

// Server serves the ControlPort over HTTP and fans the event bus out to
// websocket subscribers.
type Server struct {
	cfg        config.ServerConfig
	control    ports.ControlPort
	jwtManager *auth.JWTManager
	bus        *events.Bus
	logger     *logging.Logger

	router *gin.Engine
	http   *http.Server

	upgrader websocket.Upgrader
	wsMu     sync.Mutex
	wsConns  map[*websocket.Conn]struct{}
}

// New builds the gin engine and registers the ControlPort surface.
// auth is optional: when jwtManager is nil, every route is unauthenticated
// (useful for local/dev runs against a single trusted operator console).
func New(cfg config.ServerConfig, control ports.ControlPort, jwtManager *auth.JWTManager, bus *events.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg: cfg, control: control, jwtManager: jwtManager, bus: bus,
		logger:  logging.Default().WithComponent("api"),
		router:  router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		wsConns: make(map[*websocket.Conn]struct{}),
	}

	router.Use(s.requestLogger())
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	s.setupRoutes()
	if bus != nil {
		bus.SubscribeAll(s.broadcastEvent)
	}
	return s
}

func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	corsCfg := cors.DefaultConfig()
	if allowedOrigins == "" || allowedOrigins == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = strings.Split(allowedOrigins, ",")
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsCfg.AllowCredentials = true
	return cors.New(corsCfg)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	if s.jwtManager != nil {
		api.Use(auth.Middleware(s.jwtManager))
	}

	api.GET("/health", s.handleHealth)
	api.POST("/users/:userID/pause", s.handlePauseUser)
	api.POST("/users/:userID/resume", s.handleResumeUser)
	api.POST("/users/:userID/force-close", s.handleForceCloseAll)
	api.GET("/ticks/:tickID/trace", s.handleGetFilterTrace)
	api.GET("/users/:userID/risk", s.handleGetRiskStatus)
	api.GET("/ws", s.handleWebSocket)
}

func (s *Server) handleHealth(c *gin.Context) {
	successResponse(c, gin.H{"status": "ok"})
}

func (s *Server) handlePauseUser(c *gin.Context) {
	userID := c.Param("userID")
	if err := s.control.PauseUser(c.Request.Context(), userID); err != nil {
		errorResponse(c, http.StatusInternalServerError, err)
		return
	}
	successResponse(c, gin.H{"paused": userID})
}

func (s *Server) handleResumeUser(c *gin.Context) {
	userID := c.Param("userID")
	if err := s.control.ResumeUser(c.Request.Context(), userID); err != nil {
		errorResponse(c, http.StatusInternalServerError, err)
		return
	}
	successResponse(c, gin.H{"resumed": userID})
}

func (s *Server) handleForceCloseAll(c *gin.Context) {
	userID := c.Param("userID")
	if err := s.control.ForceCloseAll(c.Request.Context(), userID); err != nil {
		errorResponse(c, http.StatusInternalServerError, err)
		return
	}
	successResponse(c, gin.H{"force_closed": userID})
}

func (s *Server) handleGetFilterTrace(c *gin.Context) {
	tickID := c.Param("tickID")
	trace, err := s.control.GetFilterTrace(c.Request.Context(), tickID)
	if err != nil {
		if err == ports.ErrNotFound {
			errorResponse(c, http.StatusNotFound, err)
			return
		}
		errorResponse(c, http.StatusInternalServerError, err)
		return
	}
	successResponse(c, trace)
}

func (s *Server) handleGetRiskStatus(c *gin.Context) {
	userID := c.Param("userID")
	status, err := s.control.GetRiskStatus(c.Request.Context(), userID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err)
		return
	}
	successResponse(c, status)
}

// handleWebSocket upgrades the request and registers the connection for
// event-bus broadcasts. It never reads application messages from the
// client beyond the control-frame traffic gorilla handles internally.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	s.wsMu.Lock()
	s.wsConns[conn] = struct{}{}
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcastEvent(e events.Event) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.wsConns {
		if err := conn.WriteJSON(e); err != nil {
			conn.Close()
			delete(s.wsConns, conn)
		}
	}
}

// Start launches the HTTP server in the background.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("api server starting", "addr", s.http.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

// Shutdown drains in-flight requests within ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	timeout := time.Duration(s.cfg.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func errorResponse(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"data": data})
}
