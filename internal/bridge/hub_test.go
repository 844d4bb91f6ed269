package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/acpproxy/acp-proxy/internal/agent"
	"github.com/acpproxy/acp-proxy/internal/browsertools"
	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"github.com/acpproxy/acp-proxy/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	log := newTestLogger(t)
	watcher := sandbox.NewWatcher(log)
	t.Cleanup(watcher.Close)
	hub := NewHub(Config{
		AgentArgv:  []string{"stub-agent"},
		DefaultCwd: t.TempDir(),
		MCPBaseURL: "http://localhost:9315",
	}, browsertools.NewRegistry(log), watcher, log)
	hub.startAgent = func(_ context.Context, _ []string, _ string, _ agent.Handler, _ *logger.Logger) (agentHandle, error) {
		return newStubAgent(), nil
	}
	return hub
}

func addSession(t *testing.T, hub *Hub) (*fakeConn, chan struct{}) {
	t.Helper()
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		hub.HandleSession(conn)
		close(done)
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
	})
	// Wait for registration.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.sessions) > 0
	}, time.Second, 5*time.Millisecond)
	return conn, done
}

func TestSoleSessionIDNoSessions(t *testing.T) {
	hub := newTestHub(t)
	_, err := hub.SoleSessionID()
	assert.ErrorContains(t, err, "no ui sessions connected")
}

func TestSoleSessionIDSingle(t *testing.T) {
	hub := newTestHub(t)
	addSession(t, hub)

	id, err := hub.SoleSessionID()
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	_, ok := hub.Session(id)
	assert.True(t, ok)
}

func TestSoleSessionIDAmbiguous(t *testing.T) {
	hub := newTestHub(t)
	conn1, _ := addSession(t, hub)
	conn1.push(t, map[string]any{"type": "connect"})
	nextFrame(t, conn1)

	conn2 := newFakeConn()
	done2 := make(chan struct{})
	go func() {
		hub.HandleSession(conn2)
		close(done2)
	}()
	t.Cleanup(func() { _ = conn2.Close() })
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.sessions) == 2
	}, time.Second, 5*time.Millisecond)

	_, err := hub.SoleSessionID()
	assert.ErrorContains(t, err, "target one via /mcp/<session>")
}

func TestShutdownClosesAllSessions(t *testing.T) {
	hub := newTestHub(t)
	conn, done := addSession(t, hub)
	conn.push(t, map[string]any{"type": "connect"})
	nextFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	hub.Shutdown(ctx)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session still running after shutdown")
	}
	_, err := hub.SoleSessionID()
	assert.Error(t, err)
}
