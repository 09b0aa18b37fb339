package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"portal-relay/src/interfaces"
	"portal-relay/src/logger"
	"portal-relay/src/metrics"
	"portal-relay/src/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const commandTimeout = 30 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

type Server struct {
	Config   *models.MConfig
	Logger   *logger.Logger
	Registry *HubRegistry
	Relay    interfaces.IRelay
	Metrics  *metrics.Metrics

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewServer(cfg *models.MConfig, registry *HubRegistry, relay interfaces.IRelay, m *metrics.Metrics, log *logger.Logger) *Server {
	// Set Gin mode
	if cfg.LogLevel != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		Config:   cfg,
		Logger:   log,
		Registry: registry,
		Relay:    relay,
		Metrics:  m,
		engine:   gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return allowedOrigin(r.Header.Get("Origin")) },
		},
	}

	s.engine.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

// allowedOrigin accepts local front-ends and non-browser clients.
func allowedOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://127.0.0.1", "http://localhost", "https://127.0.0.1", "https://localhost"} {
		if origin == prefix || strings.HasPrefix(origin, prefix+":") {
			return true
		}
	}
	return false
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && allowedOrigin(origin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Debug("%s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.engine.GET("/auth/status", s.getAuthStatus)
	s.engine.POST("/auth/logout", s.postLogout)
	s.engine.GET("/api/health", s.getHealth)
	if s.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	// WebSocket endpoint
	s.engine.GET("/ws", s.handleWebSocket)
}

// Handler exposes the engine, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

// Start serves until Shutdown. It returns nil on a clean shutdown.
func (s *Server) Start() error {
	s.Logger.Info("Starting server on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------

// Shutdown stops accepting requests and closes every client socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Registry.Close()
	return s.httpServer.Shutdown(ctx)
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *Server) getAuthStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Relay.Status(c.Request.Context()))
}

// -----------------------------------------------------------------------------

func (s *Server) postLogout(c *gin.Context) {
	if err := s.Relay.Logout(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// -----------------------------------------------------------------------------

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.Registry.Total(),
		"sessions":    s.Relay.Sessions(),
	})
}

// -----------------------------------------------------------------------------
// WebSocket Handler
// -----------------------------------------------------------------------------

func (s *Server) handleWebSocket(c *gin.Context) {
	accountID := strings.TrimSpace(c.Query("accountId"))
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "accountId is required"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Info("Failed to upgrade websocket: %v", err)
		return
	}

	client := newClient(s, conn, accountID)

	if err := s.Relay.Attach(accountID); err != nil {
		s.Logger.Warning("attach %s failed: %v", accountID, err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	if !s.Registry.Register(client, s.Relay.Snapshot(accountID)) {
		s.Relay.Detach(accountID)
		conn.Close()
		return
	}
	s.Logger.Info("client %s attached to %s", client.id, accountID)

	// Start goroutines for reading/writing
	go client.writePump()
	go client.readPump()
}
