package acp

import "encoding/json"

// InitializeRequest is sent once per agent process before any session work.
type InitializeRequest struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
	ClientInfo         *Implementation    `json:"clientInfo,omitempty"`
}

// ClientCapabilities advertises what the client offers to the agent.
type ClientCapabilities struct {
	FS FileSystemCapability `json:"fs"`
}

// FileSystemCapability advertises the fs/readTextFile and fs/writeTextFile
// callbacks.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// Implementation identifies a client or agent build.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResponse is the agent's reply to initialize.
type InitializeResponse struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AgentInfo         *Implementation   `json:"agentInfo,omitempty"`
	AuthMethods       json.RawMessage   `json:"authMethods,omitempty"`
}

// AgentCapabilities advertises what the agent supports.
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession,omitempty"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

// PromptCapabilities reports which content block kinds the agent accepts in
// prompts. Forwarded to UI clients in session_created frames.
type PromptCapabilities struct {
	Image           bool `json:"image,omitempty"`
	Audio           bool `json:"audio,omitempty"`
	EmbeddedContext bool `json:"embeddedContext,omitempty"`
}

// McpServer describes an MCP server the agent should connect to. The proxy
// announces its own HTTP endpoint this way so the agent can reach the
// browser tools.
type McpServer struct {
	Type string `json:"type"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// NewSessionRequest creates an agent session rooted at Cwd.
type NewSessionRequest struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// NewSessionResponse carries the agent-assigned session id and, optionally,
// the model state for agents that support model selection.
type NewSessionResponse struct {
	SessionID string      `json:"sessionId"`
	Models    *ModelState `json:"models,omitempty"`
}

// ModelState lists the models an agent offers and which one is active.
type ModelState struct {
	AvailableModels []ModelInfo `json:"availableModels"`
	CurrentModelID  string      `json:"currentModelId"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ModelID     string `json:"modelId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PromptRequest submits a user turn to the agent.
type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// Stop reasons returned by session/prompt.
const (
	StopReasonEndTurn         = "end_turn"
	StopReasonCancelled       = "cancelled"
	StopReasonMaxTokens       = "max_tokens"
	StopReasonMaxTurnRequests = "max_turn_requests"
	StopReasonRefusal         = "refusal"
)

// PromptResponse is the agent's terminal reply to a prompt turn.
type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

// CancelNotification asks the agent to stop the in-flight prompt. The prompt
// call itself still returns, with stopReason "cancelled".
type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

// SetSessionModelRequest switches the session's active model.
type SetSessionModelRequest struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// SessionNotification is the params payload of a session/update notification.
// Update is kept raw so the proxy can forward it to the UI byte-for-byte;
// only the fields the proxy itself needs are sniffed out of it.
type SessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// Session update kinds the proxy recognizes. Unknown kinds are forwarded
// untouched.
const (
	UpdateAgentMessageChunk       = "agent_message_chunk"
	UpdateAgentThoughtChunk       = "agent_thought_chunk"
	UpdateUserMessageChunk        = "user_message_chunk"
	UpdateToolCall                = "tool_call"
	UpdateToolCallUpdate          = "tool_call_update"
	UpdatePlan                    = "plan"
	UpdateCurrentModelUpdate      = "current_model_update"
	UpdateAvailableCommandsUpdate = "available_commands_update"
)

// UpdateKind extracts the sessionUpdate discriminator from a raw update
// without disturbing the rest of the payload.
func UpdateKind(raw json.RawMessage) string {
	var probe struct {
		SessionUpdate string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.SessionUpdate
}

// CurrentModelUpdate is the payload of a current_model_update session update.
type CurrentModelUpdate struct {
	SessionUpdate  string `json:"sessionUpdate"`
	CurrentModelID string `json:"currentModelId"`
}

// RequestPermissionRequest is an agent-initiated request for user approval of
// a tool call.
type RequestPermissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  json.RawMessage    `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOption is one choice the user may select.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
}

// Permission outcome discriminators.
const (
	PermissionOutcomeSelected  = "selected"
	PermissionOutcomeCancelled = "cancelled"
)

// PermissionOutcome is the decision attached to a permission response.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResponse answers session/requestPermission.
type RequestPermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// ReadTextFileRequest is the agent asking the client to read a file.
type ReadTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResponse carries the file content back to the agent.
type ReadTextFileResponse struct {
	Content string `json:"content"`
}

// WriteTextFileRequest is the agent asking the client to write a file.
type WriteTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}
