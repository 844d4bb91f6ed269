// Package acp defines the Agent Client Protocol wire types.
// ACP is JSON-RPC 2.0 over newline-delimited JSON on the agent's stdio.
// Spec: https://agentclientprotocol.com
package acp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the ACP protocol version this proxy speaks.
const ProtocolVersion = 1

// Method names used on the agent connection.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionSetModel   = "session/setModel"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/requestPermission"
	MethodFsReadTextFile    = "fs/readTextFile"
	MethodFsWriteTextFile   = "fs/writeTextFile"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// Message is a JSON-RPC 2.0 envelope. Depending on which fields are set it is
// a request (Method + ID), a notification (Method, no ID), or a response
// (ID + Result or Error).
type Message struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// IsRequest reports whether the message is a request expecting a reply.
func (m *Message) IsRequest() bool { return m.Method != "" && m.ID != nil }

// IsNotification reports whether the message is a fire-and-forget notification.
func (m *Message) IsNotification() bool { return m.Method != "" && m.ID == nil }

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool { return m.Method == "" && m.ID != nil }

// IDInt64 parses the message ID as an int64, returning ok=false when the ID
// is absent or not numeric.
func (m *Message) IDInt64() (int64, bool) {
	if m.ID == nil {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(*m.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request message with the given numeric id.
func NewRequest(id int64, method string, params json.RawMessage) *Message {
	raw := json.RawMessage(fmt.Sprintf("%d", id))
	return &Message{JSONRPC: "2.0", ID: &raw, Method: method, Params: params}
}

// NewNotification builds a notification message.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: "2.0", Method: method, Params: params}
}

// NewResponse builds a success response reusing the incoming request id.
func NewResponse(id *json.RawMessage, result json.RawMessage) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response reusing the incoming request id.
func NewErrorResponse(id *json.RawMessage, code int, message string) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}
