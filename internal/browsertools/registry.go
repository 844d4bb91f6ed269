// Package browsertools exposes browser capabilities to the agent as MCP
// tools, relaying each call over the owning UI session's WebSocket.
package browsertools

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSessionClosed resolves pending calls whose owning UI session went away.
var ErrSessionClosed = errors.New("session closed")

// BrowserToolResult is what the UI sends back in a browser_tool_result
// frame.
type BrowserToolResult struct {
	Action     string          `json:"action,omitempty"`
	URL        string          `json:"url,omitempty"`
	Title      string          `json:"title,omitempty"`
	Viewport   *Viewport       `json:"viewport,omitempty"`
	Selection  string          `json:"selection,omitempty"`
	Content    string          `json:"content,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Screenshot string          `json:"screenshot,omitempty"`
	Tabs       json.RawMessage `json:"tabs,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Viewport is the page viewport size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type callOutcome struct {
	result *BrowserToolResult
	err    error
}

type pendingCall struct {
	owner string
	ch    chan callOutcome
}

// Registry tracks in-flight browser tool calls. Exactly one of {UI reply,
// deadline, session close} resolves each call: the winner is whoever removes
// the id from the map.
type Registry struct {
	logger *logger.Logger

	mu    sync.Mutex
	calls map[string]*pendingCall
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		logger: log.WithComponent("browser-tools"),
		calls:  make(map[string]*pendingCall),
	}
}

// register mints a correlation id and records the pending call.
func (r *Registry) register(owner string) (string, chan callOutcome) {
	callID := uuid.New().String()
	ch := make(chan callOutcome, 1)

	r.mu.Lock()
	r.calls[callID] = &pendingCall{owner: owner, ch: ch}
	r.mu.Unlock()
	return callID, ch
}

// take removes and returns the pending call, or nil if someone else already
// resolved it.
func (r *Registry) take(callID string) *pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[callID]
	if !ok {
		return nil
	}
	delete(r.calls, callID)
	return call
}

// Resolve delivers a UI reply to the waiting tool handler. Returns false
// when the call is unknown or already resolved.
func (r *Registry) Resolve(callID string, result *BrowserToolResult) bool {
	call := r.take(callID)
	if call == nil {
		r.logger.Warn("browser tool result matches no pending call, dropping",
			zap.String("call_id", callID))
		return false
	}
	call.ch <- callOutcome{result: result}
	return true
}

// CloseSession fails every pending call owned by a UI session.
func (r *Registry) CloseSession(owner string) {
	r.mu.Lock()
	var orphaned []*pendingCall
	for id, call := range r.calls {
		if call.owner == owner {
			delete(r.calls, id)
			orphaned = append(orphaned, call)
		}
	}
	r.mu.Unlock()

	for _, call := range orphaned {
		call.ch <- callOutcome{err: ErrSessionClosed}
	}
	if len(orphaned) > 0 {
		r.logger.Info("resolved pending browser tool calls for closed session",
			zap.String("session_id", owner),
			zap.Int("count", len(orphaned)))
	}
}

// PendingCount reports the number of in-flight calls.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
