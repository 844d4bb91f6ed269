// Package server is the HTTP transport: the WebSocket endpoint for UI
// clients, the MCP endpoint for agents, static assets, and TLS.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/acpproxy/acp-proxy/internal/auth"
	"github.com/acpproxy/acp-proxy/internal/bridge"
	"github.com/acpproxy/acp-proxy/internal/browsertools"
	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// closeGracePeriod bounds the write of the 4001 close frame on auth failure.
const closeGracePeriod = time.Second

// Config carries the listener settings.
type Config struct {
	// Host is the bind address, typically "localhost".
	Host string
	// Port is the TCP port.
	Port int
	// HTTPS enables TLS with the given key pair.
	HTTPS    bool
	CertFile string
	KeyFile  string
	// StaticDir, when set, is served under /app/.
	StaticDir string
}

// Server wires the gin router, the UI WebSocket endpoint, and the MCP
// endpoint onto one listener.
type Server struct {
	cfg    Config
	hub    *bridge.Hub
	tools  *browsertools.Server
	gate   *auth.Gate
	logger *logger.Logger

	router   *gin.Engine
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New builds the router. Start brings up the listener.
func New(cfg Config, hub *bridge.Hub, tools *browsertools.Server, gate *auth.Gate, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		hub:    hub,
		tools:  tools,
		gate:   gate,
		logger: log.WithComponent("server"),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The PWA may be installed from any origin; the token is the
			// access control, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/app/")
	})
	if s.cfg.StaticDir != "" {
		s.router.Static("/app", s.cfg.StaticDir)
	}
	s.router.GET("/ws", s.handleWS)
	s.tools.RegisterRoutes(s.router)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWS gates the upgrade on the token query parameter. A mismatch still
// completes the upgrade so the client receives a proper close code instead
// of an opaque handshake failure.
func (s *Server) handleWS(c *gin.Context) {
	token := c.Query("token")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	if !s.gate.Validate(token) {
		s.logger.Warn("rejected websocket connection with invalid token",
			zap.String("remote_addr", c.Request.RemoteAddr))
		msg := websocket.FormatCloseMessage(auth.CloseInvalidToken, "invalid token")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		_ = conn.Close()
		return
	}

	s.hub.HandleSession(conn)
}

// Start binds the listener and serves in the background. A bind failure
// (port already taken) is returned synchronously so the launcher can exit.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.httpSrv = &http.Server{Handler: s.router}
	go func() {
		var err error
		if s.cfg.HTTPS {
			err = s.httpSrv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.httpSrv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("listening",
		zap.String("addr", addr),
		zap.Bool("https", s.cfg.HTTPS))
	return nil
}

// Shutdown closes every UI session first so agents and watchers are released
// before the listener goes away.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Shutdown(ctx)
	if err := s.tools.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("mcp transport shutdown", zap.Error(err))
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
