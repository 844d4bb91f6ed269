package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/acpproxy/acp-proxy/internal/agent"
	"github.com/acpproxy/acp-proxy/internal/browsertools"
	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"github.com/acpproxy/acp-proxy/internal/sandbox"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSessionNotFound is returned when a tool call targets an unknown UI
// session.
var ErrSessionNotFound = errors.New("session not found")

// Config carries what every session needs to spawn and address its agent.
type Config struct {
	// AgentArgv is the agent command line from the CLI.
	AgentArgv []string
	// DefaultCwd is used when new_session carries no cwd.
	DefaultCwd string
	// MCPBaseURL is this proxy's own address as the agent should dial it,
	// e.g. "http://localhost:9315".
	MCPBaseURL string
}

// startAgentFunc spawns an agent for a session; swappable in tests.
type startAgentFunc func(ctx context.Context, argv []string, cwd string, handler agent.Handler, log *logger.Logger) (agentHandle, error)

// Hub owns all connected UI sessions and is the bridge between the MCP
// endpoint and their WebSockets.
type Hub struct {
	cfg        Config
	registry   *browsertools.Registry
	watcher    *sandbox.Watcher
	logger     *logger.Logger
	startAgent startAgentFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub creates an empty hub.
func NewHub(cfg Config, registry *browsertools.Registry, watcher *sandbox.Watcher, log *logger.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		registry:   registry,
		watcher:    watcher,
		logger:     log.WithComponent("bridge"),
		startAgent: startRealAgent,
		sessions:   make(map[string]*Session),
	}
}

func startRealAgent(ctx context.Context, argv []string, cwd string, handler agent.Handler, log *logger.Logger) (agentHandle, error) {
	a, err := agent.Start(ctx, argv, cwd, handler, log)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// HandleSession runs one UI connection to completion.
func (h *Hub) HandleSession(conn wsConn) {
	s := newSession(h, conn)

	h.mu.Lock()
	h.sessions[s.id] = s
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info("ui session connected",
		zap.String("session_id", s.id),
		zap.Int("active_sessions", count))
	s.run()
}

func (h *Hub) removeSession(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// Session returns a session by id.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// SendToolCall implements browsertools.SessionHub.
func (h *Hub) SendToolCall(sessionID, callID string, params map[string]any) error {
	s, ok := h.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.sendToolCall(callID, params)
	return nil
}

// SoleSessionID implements browsertools.SessionHub: bare /mcp requests are
// routable only when exactly one UI is connected.
func (h *Hub) SoleSessionID() (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch len(h.sessions) {
	case 0:
		return "", errors.New("no ui sessions connected")
	case 1:
		for id := range h.sessions {
			return id, nil
		}
	}
	return "", fmt.Errorf("%d ui sessions connected, target one via /mcp/<session>", len(h.sessions))
}

// Shutdown closes every session: permissions drained, MCP calls resolved,
// watchers stopped, agents killed.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	h.logger.Info("shutting down sessions", zap.Int("count", len(sessions)))

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			s.teardown()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("shutdown deadline exceeded with sessions still closing")
	}
}
