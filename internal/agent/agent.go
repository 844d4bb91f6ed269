package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/acpproxy/acp-proxy/internal/acp"
	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"go.uber.org/zap"
)

// ErrProcessExited is returned when an operation is attempted against an
// agent whose process has already exited.
var ErrProcessExited = errors.New("agent process exited")

// initializeTimeout bounds the initialize handshake after spawn.
const initializeTimeout = 30 * time.Second

// Agent is one running agent: the subprocess plus the JSON-RPC connection
// over its stdio. One Agent serves one UI session.
type Agent struct {
	proc   *Process
	conn   *Conn
	logger *logger.Logger

	initResp *acp.InitializeResponse
}

// Option configures an Agent.
type Option func(*options)

type options struct {
	env []string
}

// WithEnv sets extra environment for the subprocess.
func WithEnv(env []string) Option {
	return func(o *options) { o.env = env }
}

// Start spawns the agent process, connects the JSON-RPC peer, and runs the
// initialize handshake advertising the proxy's fs capabilities.
func Start(ctx context.Context, argv []string, workDir string, handler Handler, log *logger.Logger, opts ...Option) (*Agent, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	proc := NewProcess(argv, workDir, o.env, log)
	if err := proc.Start(ctx); err != nil {
		return nil, err
	}

	a := &Agent{
		proc:   proc,
		logger: log.WithComponent("agent"),
	}
	a.conn = NewConn(proc.Stdin(), proc.Stdout(), handler, log)

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	req := acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersion,
		ClientCapabilities: acp.ClientCapabilities{
			FS: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
		},
		ClientInfo: &acp.Implementation{Name: "acp-proxy", Version: "1.0.0"},
	}
	var resp acp.InitializeResponse
	if err := a.conn.Call(initCtx, acp.MethodInitialize, req, &resp); err != nil {
		_ = a.Close(context.Background())
		return nil, fmt.Errorf("initialize agent: %w", a.describeFailure(err))
	}
	a.initResp = &resp

	name := ""
	if resp.AgentInfo != nil {
		name = resp.AgentInfo.Name
	}
	a.logger.Info("agent initialized",
		zap.String("agent", name),
		zap.Int("protocol_version", resp.ProtocolVersion))
	return a, nil
}

// describeFailure enriches a connection error with the process exit summary
// when the subprocess is already gone.
func (a *Agent) describeFailure(err error) error {
	select {
	case <-a.proc.Done():
		return fmt.Errorf("%w (%s)", ErrProcessExited, a.proc.ExitSummary())
	default:
		return err
	}
}

// Info returns the agent's self-reported identity, nil when it sent none.
func (a *Agent) Info() *acp.Implementation {
	if a.initResp == nil {
		return nil
	}
	return a.initResp.AgentInfo
}

// PromptCapabilities returns what the agent accepts in prompts.
func (a *Agent) PromptCapabilities() acp.PromptCapabilities {
	if a.initResp == nil {
		return acp.PromptCapabilities{}
	}
	return a.initResp.AgentCapabilities.PromptCapabilities
}

// Done is closed when the connection to the agent dies.
func (a *Agent) Done() <-chan struct{} { return a.conn.Done() }

// Err reports why the connection died, nil while alive.
func (a *Agent) Err() error { return a.conn.Err() }

// ExitSummary describes why the agent is gone, for user-facing error
// messages. A connection that died of a protocol error outlives the process
// report: the process may still have been running when the link broke.
func (a *Agent) ExitSummary() string {
	if err := a.conn.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, ErrConnClosed) {
		return err.Error()
	}
	return a.proc.ExitSummary()
}

// NewSession creates an agent session rooted at cwd, announcing the proxy's
// MCP endpoint so the agent can reach the browser tools.
func (a *Agent) NewSession(ctx context.Context, cwd string, mcpServers []acp.McpServer) (*acp.NewSessionResponse, error) {
	req := acp.NewSessionRequest{Cwd: cwd, McpServers: mcpServers}
	if req.McpServers == nil {
		req.McpServers = []acp.McpServer{}
	}
	var resp acp.NewSessionResponse
	if err := a.conn.Call(ctx, acp.MethodSessionNew, req, &resp); err != nil {
		return nil, a.describeFailure(err)
	}
	return &resp, nil
}

// Prompt submits a user turn and blocks until the turn completes. The agent
// streams session/update notifications to the Handler while this is in
// flight.
func (a *Agent) Prompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock) (*acp.PromptResponse, error) {
	req := acp.PromptRequest{SessionID: sessionID, Prompt: blocks}
	var resp acp.PromptResponse
	if err := a.conn.Call(ctx, acp.MethodSessionPrompt, req, &resp); err != nil {
		return nil, a.describeFailure(err)
	}
	return &resp, nil
}

// Cancel notifies the agent to stop the in-flight prompt. The prompt call
// itself still returns, normally with stopReason "cancelled".
func (a *Agent) Cancel(sessionID string) error {
	return a.conn.Notify(acp.MethodSessionCancel, acp.CancelNotification{SessionID: sessionID})
}

// SetModel switches the session's active model.
func (a *Agent) SetModel(ctx context.Context, sessionID, modelID string) error {
	req := acp.SetSessionModelRequest{SessionID: sessionID, ModelID: modelID}
	if err := a.conn.Call(ctx, acp.MethodSessionSetModel, req, nil); err != nil {
		return a.describeFailure(err)
	}
	return nil
}

// Close tears down the connection and stops the subprocess.
func (a *Agent) Close(ctx context.Context) error {
	_ = a.conn.Close()
	return a.proc.Stop(ctx)
}
