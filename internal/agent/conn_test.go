package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/acpproxy/acp-proxy/internal/acp"
	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// collectHandler records incoming traffic and answers fs/permission requests
// with canned responses.
type collectHandler struct {
	mu      sync.Mutex
	updates []acp.SessionNotification

	permissionResp *acp.RequestPermissionResponse
	readResp       *acp.ReadTextFileResponse
	writeErr       error
}

func (h *collectHandler) SessionUpdate(_ context.Context, n acp.SessionNotification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, n)
}

func (h *collectHandler) RequestPermission(context.Context, *acp.RequestPermissionRequest) (*acp.RequestPermissionResponse, error) {
	if h.permissionResp != nil {
		return h.permissionResp, nil
	}
	return &acp.RequestPermissionResponse{
		Outcome: acp.PermissionOutcome{Outcome: acp.PermissionOutcomeCancelled},
	}, nil
}

func (h *collectHandler) ReadTextFile(context.Context, *acp.ReadTextFileRequest) (*acp.ReadTextFileResponse, error) {
	if h.readResp != nil {
		return h.readResp, nil
	}
	return &acp.ReadTextFileResponse{Content: ""}, nil
}

func (h *collectHandler) WriteTextFile(context.Context, *acp.WriteTextFileRequest) error {
	return h.writeErr
}

func (h *collectHandler) Updates() []acp.SessionNotification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]acp.SessionNotification, len(h.updates))
	copy(out, h.updates)
	return out
}

// fakeAgent is the far side of the pipes: it reads one NDJSON line at a time
// and lets the test script replies.
type fakeAgent struct {
	t      *testing.T
	stdin  *io.PipeReader // what the conn wrote
	stdout *io.PipeWriter // what the conn will read
	lines  *bufio.Scanner
}

func newConnPair(t *testing.T, h Handler) (*Conn, *fakeAgent) {
	t.Helper()
	inR, inW := io.Pipe()   // conn stdin -> agent
	outR, outW := io.Pipe() // agent -> conn stdout

	conn := NewConn(inW, outR, h, newTestLogger(t))
	t.Cleanup(func() {
		_ = conn.Close()
		_ = outW.Close()
		_ = inR.Close()
	})

	return conn, &fakeAgent{t: t, stdin: inR, stdout: outW, lines: bufio.NewScanner(inR)}
}

func (f *fakeAgent) readMessage() *acp.Message {
	f.t.Helper()
	require.True(f.t, f.lines.Scan(), "expected a line from the proxy")
	var msg acp.Message
	require.NoError(f.t, json.Unmarshal(f.lines.Bytes(), &msg))
	return &msg
}

func (f *fakeAgent) send(raw string) {
	f.t.Helper()
	_, err := f.stdout.Write([]byte(raw + "\n"))
	require.NoError(f.t, err)
}

func TestConnCallRoundTrip(t *testing.T) {
	h := &collectHandler{}
	conn, agent := newConnPair(t, h)

	type result struct {
		resp acp.NewSessionResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var resp acp.NewSessionResponse
		err := conn.Call(context.Background(), acp.MethodSessionNew,
			acp.NewSessionRequest{Cwd: "/tmp/work", McpServers: []acp.McpServer{}}, &resp)
		done <- result{resp, err}
	}()

	msg := agent.readMessage()
	assert.True(t, msg.IsRequest())
	assert.Equal(t, acp.MethodSessionNew, msg.Method)
	id, ok := msg.IDInt64()
	require.True(t, ok)

	agent.send(`{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"result":{"sessionId":"sess-1"}}`)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "sess-1", r.resp.SessionID)
}

func TestConnCallIDsAreMonotonic(t *testing.T) {
	conn, agent := newConnPair(t, &collectHandler{})

	for i := 0; i < 3; i++ {
		go func() {
			_ = conn.Call(context.Background(), "ping", nil, nil)
		}()
		msg := agent.readMessage()
		id, ok := msg.IDInt64()
		require.True(t, ok)
		agent.send(`{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"result":{}}`)
	}
}

func TestConnCallAgentError(t *testing.T) {
	conn, agent := newConnPair(t, &collectHandler{})

	done := make(chan error, 1)
	go func() {
		done <- conn.Call(context.Background(), acp.MethodSessionSetModel,
			acp.SetSessionModelRequest{SessionID: "s", ModelID: "nope"}, nil)
	}()

	msg := agent.readMessage()
	id, _ := msg.IDInt64()
	agent.send(`{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"error":{"code":-32602,"message":"unknown model"}}`)

	err := <-done
	require.Error(t, err)
	var rpcErr *acp.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, acp.ErrCodeInvalidParams, rpcErr.Code)
}

func TestConnNonJSONLineIsFatal(t *testing.T) {
	conn, agent := newConnPair(t, &collectHandler{})

	done := make(chan error, 1)
	go func() {
		done <- conn.Call(context.Background(), "ping", nil, nil)
	}()
	agent.readMessage()

	// Agent prints a banner instead of JSON-RPC.
	agent.send("Welcome to FancyAgent v2!")

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnClosed)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection should be closed after a protocol error")
	}
	require.Error(t, conn.Err())
}

func TestConnUnmatchedResponseDropped(t *testing.T) {
	conn, agent := newConnPair(t, &collectHandler{})

	// A response with an id nobody asked for must not kill the connection.
	agent.send(`{"jsonrpc":"2.0","id":999,"result":{}}`)

	done := make(chan error, 1)
	go func() {
		done <- conn.Call(context.Background(), "ping", nil, nil)
	}()
	msg := agent.readMessage()
	id, _ := msg.IDInt64()
	agent.send(`{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"result":{}}`)
	require.NoError(t, <-done)
}

func TestConnSessionUpdateOrder(t *testing.T) {
	h := &collectHandler{}
	conn, agent := newConnPair(t, h)

	for _, text := range []string{"a", "b", "c"} {
		agent.send(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"` + text + `"}}}}`)
	}
	// Synchronize on a round trip: updates are dispatched in the read loop,
	// so they land before this response.
	done := make(chan error, 1)
	go func() { done <- conn.Call(context.Background(), "ping", nil, nil) }()
	msg := agent.readMessage()
	id, _ := msg.IDInt64()
	agent.send(`{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"result":{}}`)
	require.NoError(t, <-done)

	updates := h.Updates()
	require.Len(t, updates, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Contains(t, string(updates[i].Update), `"text":"`+want+`"`)
		assert.Equal(t, "s1", updates[i].SessionID)
	}
}

func TestConnPermissionRequestReply(t *testing.T) {
	h := &collectHandler{
		permissionResp: &acp.RequestPermissionResponse{
			Outcome: acp.PermissionOutcome{Outcome: acp.PermissionOutcomeSelected, OptionID: "allow"},
		},
	}
	_, agent := newConnPair(t, h)

	agent.send(`{"jsonrpc":"2.0","id":7,"method":"session/requestPermission","params":{"sessionId":"s1","toolCall":{"toolCallId":"tc1","title":"run ls"},"options":[{"optionId":"allow","name":"Allow"}]}}`)

	msg := agent.readMessage()
	assert.True(t, msg.IsResponse())
	id, ok := msg.IDInt64()
	require.True(t, ok)
	assert.Equal(t, int64(7), id)

	var resp acp.RequestPermissionResponse
	require.NoError(t, json.Unmarshal(msg.Result, &resp))
	assert.Equal(t, acp.PermissionOutcomeSelected, resp.Outcome.Outcome)
	assert.Equal(t, "allow", resp.Outcome.OptionID)
}

func TestConnFsReadRequestReply(t *testing.T) {
	h := &collectHandler{readResp: &acp.ReadTextFileResponse{Content: "package main"}}
	_, agent := newConnPair(t, h)

	agent.send(`{"jsonrpc":"2.0","id":3,"method":"fs/readTextFile","params":{"sessionId":"s1","path":"main.go"}}`)

	msg := agent.readMessage()
	var resp acp.ReadTextFileResponse
	require.NoError(t, json.Unmarshal(msg.Result, &resp))
	assert.Equal(t, "package main", resp.Content)
}

func TestConnFsWriteErrorBecomesJSONRPCError(t *testing.T) {
	h := &collectHandler{writeErr: errors.New("path escapes workspace")}
	_, agent := newConnPair(t, h)

	agent.send(`{"jsonrpc":"2.0","id":4,"method":"fs/writeTextFile","params":{"sessionId":"s1","path":"../etc/passwd","content":"x"}}`)

	msg := agent.readMessage()
	require.NotNil(t, msg.Error)
	assert.Equal(t, acp.ErrCodeInternal, msg.Error.Code)
	assert.Contains(t, msg.Error.Message, "escapes")
}

func TestConnUnknownMethodGetsMethodNotFound(t *testing.T) {
	_, agent := newConnPair(t, &collectHandler{})

	agent.send(`{"jsonrpc":"2.0","id":5,"method":"terminal/create","params":{}}`)

	msg := agent.readMessage()
	require.NotNil(t, msg.Error)
	assert.Equal(t, acp.ErrCodeMethodNotFound, msg.Error.Code)
}

func TestConnEOFRejectsPendingCalls(t *testing.T) {
	conn, agent := newConnPair(t, &collectHandler{})

	done := make(chan error, 1)
	go func() { done <- conn.Call(context.Background(), "ping", nil, nil) }()
	agent.readMessage()

	require.NoError(t, agent.stdout.Close())

	err := <-done
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestConnCallContextCancel(t *testing.T) {
	conn, agent := newConnPair(t, &collectHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Call(ctx, "ping", nil, nil) }()
	agent.readMessage()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func jsonInt(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
