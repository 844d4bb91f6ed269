package acp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageClassification(t *testing.T) {
	tests := []struct {
		name           string
		raw            string
		isRequest      bool
		isNotification bool
		isResponse     bool
	}{
		{
			name:      "request",
			raw:       `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
			isRequest: true,
		},
		{
			name:           "notification",
			raw:            `{"jsonrpc":"2.0","method":"session/update","params":{}}`,
			isNotification: true,
		},
		{
			name:       "success response",
			raw:        `{"jsonrpc":"2.0","id":1,"result":{}}`,
			isResponse: true,
		},
		{
			name:       "error response",
			raw:        `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"method not found"}}`,
			isResponse: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &msg))
			assert.Equal(t, tt.isRequest, msg.IsRequest())
			assert.Equal(t, tt.isNotification, msg.IsNotification())
			assert.Equal(t, tt.isResponse, msg.IsResponse())
		})
	}
}

func TestMessageIDInt64(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":42,"result":null}`), &msg))
	id, ok := msg.IDInt64()
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	var strID Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"abc","result":null}`), &strID))
	_, ok = strID.IDInt64()
	assert.False(t, ok)

	var notif Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"session/cancel"}`), &notif))
	_, ok = notif.IDInt64()
	assert.False(t, ok)
}

func TestNewRequestRoundTrip(t *testing.T) {
	req := NewRequest(7, MethodSessionPrompt, json.RawMessage(`{"sessionId":"s1"}`))
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.IsRequest())
	assert.Equal(t, MethodSessionPrompt, back.Method)
	id, ok := back.IDInt64()
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
}

func TestErrorImplementsError(t *testing.T) {
	e := &Error{Code: ErrCodeInvalidParams, Message: "bad params"}
	assert.Contains(t, e.Error(), "-32602")
	assert.Contains(t, e.Error(), "bad params")
}

func TestContentBlockPreservesUnknownFields(t *testing.T) {
	raw := `{"type":"text","text":"hello","annotations":{"audience":["user"]}}`
	var block ContentBlock
	require.NoError(t, json.Unmarshal([]byte(raw), &block))
	assert.Equal(t, ContentTypeText, block.Type)
	assert.Equal(t, "hello", block.Text)

	out, err := json.Marshal(block)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out), "unknown fields must survive a round trip")
}

func TestContentBlockUnknownTypePassesThrough(t *testing.T) {
	raw := `{"type":"hologram","payload":{"x":1}}`
	var block ContentBlock
	require.NoError(t, json.Unmarshal([]byte(raw), &block))
	assert.False(t, block.IsKnown())

	out, err := json.Marshal(block)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestTextBlockMarshal(t *testing.T) {
	out, err := json.Marshal(TextBlock("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":"hi"}`, string(out))
}

func TestUpdateKind(t *testing.T) {
	raw := json.RawMessage(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"x"}}`)
	assert.Equal(t, UpdateAgentMessageChunk, UpdateKind(raw))
	assert.Equal(t, "", UpdateKind(json.RawMessage(`not json`)))
}

func TestCurrentModelUpdateParse(t *testing.T) {
	raw := json.RawMessage(`{"sessionUpdate":"current_model_update","currentModelId":"gpt-x"}`)
	require.Equal(t, UpdateCurrentModelUpdate, UpdateKind(raw))

	var upd CurrentModelUpdate
	require.NoError(t, json.Unmarshal(raw, &upd))
	assert.Equal(t, "gpt-x", upd.CurrentModelID)
}
