// Package auth implements the single-token gate protecting the WebSocket
// surface.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/acpproxy/acp-proxy/internal/common/logger"
)

// EnvToken is the environment variable that can pin the auth token.
const EnvToken = "ACP_AUTH_TOKEN"

// CloseInvalidToken is the WebSocket close code sent on token mismatch.
const CloseInvalidToken = 4001

// Gate validates the token query parameter on WebSocket upgrades.
type Gate struct {
	token    string
	disabled bool
}

// New builds a gate. Precedence: disabled > explicit token from the
// environment > a freshly generated random token.
func New(disabled bool, envToken string, log *logger.Logger) (*Gate, error) {
	if disabled {
		log.Warn("authentication disabled, any client on the network can connect")
		return &Gate{disabled: true}, nil
	}
	if envToken != "" {
		return &Gate{token: envToken}, nil
	}
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate auth token: %w", err)
	}
	return &Gate{token: token}, nil
}

// Token returns the active token, empty when auth is disabled.
func (g *Gate) Token() string {
	if g.disabled {
		return ""
	}
	return g.token
}

// Enabled reports whether the gate checks tokens at all.
func (g *Gate) Enabled() bool { return !g.disabled }

// Validate checks a presented token in constant time.
func (g *Gate) Validate(presented string) bool {
	if g.disabled {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(g.token), []byte(presented)) == 1
}

// randomToken returns 32 random bytes hex-encoded.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
