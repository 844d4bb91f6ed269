package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/acpproxy/acp-proxy/internal/auth"
	"github.com/acpproxy/acp-proxy/internal/bridge"
	"github.com/acpproxy/acp-proxy/internal/browsertools"
	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"github.com/acpproxy/acp-proxy/internal/sandbox"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newTestServer(t *testing.T, gate *auth.Gate) (*httptest.Server, *bridge.Hub) {
	t.Helper()
	log := newTestLogger(t)

	registry := browsertools.NewRegistry(log)
	watcher := sandbox.NewWatcher(log)
	t.Cleanup(watcher.Close)

	hub := bridge.NewHub(bridge.Config{
		AgentArgv:  []string{"true"},
		DefaultCwd: t.TempDir(),
		MCPBaseURL: "http://localhost:9315",
	}, registry, watcher, log)
	tools := browsertools.New(hub, registry, false, log)

	s := New(Config{Host: "localhost", Port: 0}, hub, tools, gate, log)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts, hub
}

func newTestGate(t *testing.T, token string) *auth.Gate {
	t.Helper()
	gate, err := auth.New(false, token, newTestLogger(t))
	require.NoError(t, err)
	return gate
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, newTestGate(t, "secret"))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestRootRedirectsToApp(t *testing.T) {
	ts, _ := newTestServer(t, newTestGate(t, "secret"))

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/app/", resp.Header.Get("Location"))
}

func TestWSAcceptsValidToken(t *testing.T) {
	ts, _ := newTestServer(t, newTestGate(t, "secret"))
	conn := dialWS(t, ts, "/ws?token=secret")

	// The session answers on the socket, which proves the upgrade was
	// admitted past the gate.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["message"], "unknown frame type")
}

func TestWSRejectsInvalidToken(t *testing.T) {
	ts, _ := newTestServer(t, newTestGate(t, "secret"))
	conn := dialWS(t, ts, "/ws?token=wrong")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, auth.CloseInvalidToken, closeErr.Code)
	assert.Equal(t, "invalid token", closeErr.Text)
}

func TestWSRejectsMissingToken(t *testing.T) {
	ts, _ := newTestServer(t, newTestGate(t, "secret"))
	conn := dialWS(t, ts, "/ws")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, auth.CloseInvalidToken))
}

func TestWSNoAuthAcceptsAnything(t *testing.T) {
	gate, err := auth.New(true, "", newTestLogger(t))
	require.NoError(t, err)
	ts, _ := newTestServer(t, gate)
	conn := dialWS(t, ts, "/ws?token=whatever")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
}

// TestMCPToolCallRoundTrip drives a tools/call through the real MCP HTTP
// endpoint and services it over a real WebSocket, end to end.
func TestMCPToolCallRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, newTestGate(t, "secret"))
	conn := dialWS(t, ts, "/ws?token=secret")

	type httpResult struct {
		body string
		err  error
	}
	resCh := make(chan httpResult, 1)
	go func() {
		body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"browser_execute","arguments":{"script":"return 2+2"}}}`
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(body))
		if err != nil {
			resCh <- httpResult{err: err}
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			resCh <- httpResult{err: err}
			return
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		resCh <- httpResult{body: string(data), err: err}
	}()

	frame := readFrame(t, conn)
	require.Equal(t, "browser_tool_call", frame["type"])
	callID, ok := frame["callId"].(string)
	require.True(t, ok)
	params, ok := frame["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "execute", params["action"])
	assert.Equal(t, "return 2+2", params["script"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "browser_tool_result",
		"callId": callID,
		"result": map[string]any{"action": "execute", "url": "https://a.test/", "result": 4},
	}))

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Contains(t, res.body, "4")
		assert.NotContains(t, res.body, `"isError":true`)
	case <-time.After(5 * time.Second):
		t.Fatal("mcp response never arrived")
	}
}

// TestMCPNoSession verifies the canonical error when no UI is connected.
func TestMCPNoSession(t *testing.T) {
	ts, _ := newTestServer(t, newTestGate(t, "secret"))

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"browser_read","arguments":{}}}`
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(data), "No browser extension connected")
}
