// Package bridge connects UI WebSocket clients to agent subprocesses: it
// owns per-client session state, translates UI frames into ACP calls, and
// streams agent updates back.
package bridge

import (
	"encoding/json"

	"github.com/acpproxy/acp-proxy/internal/acp"
	"github.com/acpproxy/acp-proxy/internal/sandbox"
)

// UI → proxy frame types.
const (
	frameConnect            = "connect"
	frameDisconnect         = "disconnect"
	frameNewSession         = "new_session"
	framePrompt             = "prompt"
	frameCancel             = "cancel"
	framePermissionResponse = "permission_response"
	frameBrowserToolResult  = "browser_tool_result"
	frameSetSessionModel    = "set_session_model"
	frameFsList             = "fs_list"
	frameFsRead             = "fs_read"
	frameFsWatchStart       = "fs_watch_start"
	frameFsWatchStop        = "fs_watch_stop"
)

// inboundFrame is the superset of all UI → proxy frames, keyed by Type.
type inboundFrame struct {
	Type string `json:"type"`

	// new_session
	Cwd string `json:"cwd,omitempty"`

	// prompt
	Content []acp.ContentBlock `json:"content,omitempty"`

	// permission_response
	RequestID string                 `json:"requestId,omitempty"`
	Outcome   *acp.PermissionOutcome `json:"outcome,omitempty"`

	// browser_tool_result
	CallID string          `json:"callId,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// set_session_model
	ModelID string `json:"modelId,omitempty"`

	// fs_list, fs_read
	Path string `json:"path,omitempty"`
}

type statusFrame struct {
	Type         string                  `json:"type"`
	Connected    bool                    `json:"connected"`
	AgentInfo    *acp.Implementation     `json:"agentInfo,omitempty"`
	Capabilities *acp.PromptCapabilities `json:"capabilities,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type sessionCreatedFrame struct {
	Type               string                 `json:"type"`
	SessionID          string                 `json:"sessionId"`
	PromptCapabilities acp.PromptCapabilities `json:"promptCapabilities"`
	Models             *acp.ModelState        `json:"models,omitempty"`
}

type sessionUpdateFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

type promptCompleteFrame struct {
	Type       string `json:"type"`
	StopReason string `json:"stopReason"`
}

type permissionRequestFrame struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"requestId"`
	SessionID string                 `json:"sessionId"`
	Options   []acp.PermissionOption `json:"options"`
	ToolCall  json.RawMessage        `json:"toolCall"`
}

type modelChangedFrame struct {
	Type    string `json:"type"`
	ModelID string `json:"modelId"`
}

type browserToolCallFrame struct {
	Type   string         `json:"type"`
	CallID string         `json:"callId"`
	Params map[string]any `json:"params"`
}

type fsListingFrame struct {
	Type  string          `json:"type"`
	Path  string          `json:"path"`
	Items []sandbox.Entry `json:"items"`
}

type fsContentFrame struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Binary    bool   `json:"binary"`
	Truncated bool   `json:"truncated,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

type fsChangesFrame struct {
	Type  string           `json:"type"`
	Batch []sandbox.Change `json:"batch"`
}

func newErrorFrame(message string) errorFrame {
	return errorFrame{Type: "error", Message: message}
}
