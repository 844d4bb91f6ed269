package browsertools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// toolCallTimeout bounds how long a tool call waits for the UI.
// Variable so tests can shorten it.
var toolCallTimeout = 30 * time.Second

// Browser tool actions carried in browser_tool_call frames.
const (
	ActionRead       = "read"
	ActionExecute    = "execute"
	ActionScreenshot = "screenshot"
	ActionTabs       = "tabs"
)

// ErrNoSession is returned when no UI session can serve a tool call.
var ErrNoSession = errors.New("No browser extension connected")

// ErrTimeout is returned when the UI does not answer within the deadline.
var ErrTimeout = errors.New("Browser tool call timed out")

// SessionHub is the contract the MCP endpoint needs from the WebSocket
// layer.
type SessionHub interface {
	// SendToolCall delivers a browser_tool_call frame to a UI session.
	SendToolCall(sessionID, callID string, params map[string]any) error
	// SoleSessionID returns the only connected UI session, or an error when
	// there are zero or several.
	SoleSessionID() (string, error)
}

type sessionIDKey struct{}

// WithSessionID stamps the target UI session onto a request context. The
// transport layer sets it from the /mcp/<session> URL path.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

func sessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// Server is the MCP endpoint: initialize, tools/list, tools/call over
// streamable HTTP, with every tools/call relayed to a UI session.
type Server struct {
	hub      SessionHub
	registry *Registry
	logger   *logger.Logger

	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates the MCP endpoint. extensionTools additionally registers the
// browser_screenshot and browser_tabs tools used by the extension build.
func New(hub SessionHub, registry *Registry, extensionTools bool, log *logger.Logger) *Server {
	s := &Server{
		hub:      hub,
		registry: registry,
		logger:   log.WithComponent("mcp-server"),
	}

	s.mcpServer = server.NewMCPServer(
		"acp-proxy",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(extensionTools)

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithStateLess(true),
	)
	return s
}

// RegisterRoutes mounts the MCP endpoint on the gin router: bare /mcp
// resolves to the sole connected UI session, /mcp/:session targets one
// explicitly.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.Any("/mcp", gin.WrapH(s.httpServer))
	router.Any("/mcp/:session", func(c *gin.Context) {
		ctx := WithSessionID(c.Request.Context(), c.Param("session"))
		s.httpServer.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
	})
	s.logger.Info("registered MCP routes", zap.String("http", "/mcp"))
}

// Shutdown stops the HTTP transport.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// registerTools declares the browser toolset. Parameter-less tools use a
// raw schema so "properties": {} survives serialization; some MCP clients
// reject object schemas without it.
func (s *Server) registerTools(extensionTools bool) {
	s.mcpServer.AddTool(
		mcp.NewToolWithRawSchema("browser_read",
			"Read the current page: URL, title, viewport, selection, and a simplified Markdown rendering of the DOM.",
			json.RawMessage(`{"type":"object","properties":{}}`),
		),
		s.readHandler(),
	)

	s.mcpServer.AddTool(
		mcp.NewTool("browser_execute",
			mcp.WithDescription("Execute JavaScript in the current page's main world via new Function(script)() (page CSP applies) and return the result."),
			mcp.WithString("script", mcp.Required(), mcp.Description("JavaScript source. Use a return statement to produce a value.")),
		),
		s.executeHandler(),
	)

	count := 2
	if extensionTools {
		s.mcpServer.AddTool(
			mcp.NewToolWithRawSchema("browser_screenshot",
				"Capture a PNG screenshot of the current page.",
				json.RawMessage(`{"type":"object","properties":{}}`),
			),
			s.screenshotHandler(),
		)
		s.mcpServer.AddTool(
			mcp.NewToolWithRawSchema("browser_tabs",
				"List the browser's open tabs.",
				json.RawMessage(`{"type":"object","properties":{}}`),
			),
			s.tabsHandler(),
		)
		count = 4
	}
	s.logger.Info("registered MCP tools", zap.Int("count", count))
}

// dispatch relays one tool call to the owning UI session and waits for the
// reply. Tool failures come back as errors; the handlers map them to
// isError results, never JSON-RPC errors, so the agent can reason about
// them.
func (s *Server) dispatch(ctx context.Context, params map[string]any) (*BrowserToolResult, error) {
	sessionID := sessionIDFrom(ctx)
	if sessionID == "" {
		var err error
		sessionID, err = s.hub.SoleSessionID()
		if err != nil {
			return nil, ErrNoSession
		}
	}

	callID, ch := s.registry.register(sessionID)
	s.logger.Debug("dispatching browser tool call",
		zap.String("call_id", callID),
		zap.String("session_id", sessionID),
		zap.Any("params", params))

	if err := s.hub.SendToolCall(sessionID, callID, params); err != nil {
		s.registry.take(callID)
		return nil, ErrNoSession
	}

	timer := time.NewTimer(toolCallTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.result.Error != "" {
			return nil, errors.New(out.result.Error)
		}
		return out.result, nil
	case <-timer.C:
		if s.registry.take(callID) != nil {
			s.logger.Warn("browser tool call timed out",
				zap.String("call_id", callID),
				zap.String("session_id", sessionID))
			return nil, ErrTimeout
		}
		// Lost the race: a resolution is already in the channel.
		out := <-ch
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-ctx.Done():
		s.registry.take(callID)
		return nil, ctx.Err()
	}
}

func (s *Server) readHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.dispatch(ctx, map[string]any{"action": ActionRead})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatPageSummary(result)), nil
	}
}

func (s *Server) executeHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		script, err := req.RequireString("script")
		if err != nil {
			return mcp.NewToolResultError("script is required"), nil
		}
		result, err := s.dispatch(ctx, map[string]any{"action": ActionExecute, "script": script})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatExecuteValue(result)), nil
	}
}

func (s *Server) screenshotHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.dispatch(ctx, map[string]any{"action": ActionScreenshot})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		caption := "Screenshot"
		if result.URL != "" {
			caption = fmt.Sprintf("Screenshot of %s", result.URL)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(caption),
				mcp.NewImageContent(result.Screenshot, "image/png"),
			},
		}, nil
	}
}

func (s *Server) tabsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.dispatch(ctx, map[string]any{"action": ActionTabs})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatTabs(result)), nil
	}
}
