package auth

import (
	"testing"

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

func TestGateGeneratesRandomToken(t *testing.T) {
	g1, err := New(false, "", newTestLogger(t))
	require.NoError(t, err)
	g2, err := New(false, "", newTestLogger(t))
	require.NoError(t, err)

	assert.Len(t, g1.Token(), 64, "32 random bytes hex-encoded")
	assert.NotEqual(t, g1.Token(), g2.Token())
	assert.True(t, g1.Enabled())
}

func TestGateEnvTokenTakesPrecedence(t *testing.T) {
	g, err := New(false, "pinned-token", newTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "pinned-token", g.Token())
	assert.True(t, g.Validate("pinned-token"))
	assert.False(t, g.Validate("wrong"))
	assert.False(t, g.Validate(""))
}

func TestGateDisabled(t *testing.T) {
	g, err := New(true, "ignored", newTestLogger(t))
	require.NoError(t, err)
	assert.False(t, g.Enabled())
	assert.Empty(t, g.Token())
	assert.True(t, g.Validate("anything"))
	assert.True(t, g.Validate(""))
}
