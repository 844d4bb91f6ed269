package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/acpproxy/acp-proxy/internal/acp"
	"github.com/acpproxy/acp-proxy/internal/browsertools"
	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"github.com/acpproxy/acp-proxy/internal/sandbox"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPromptInFlight rejects a prompt while another one is still running.
var ErrPromptInFlight = errors.New("a prompt is already in progress")

// permissionTimeout is how long a permission request waits for the user.
// Variable so tests can shorten it.
var permissionTimeout = 5 * time.Minute

// outboundQueueSize bounds the per-session writer queue.
const outboundQueueSize = 256

// wsConn is the slice of *websocket.Conn the session needs; tests plug in
// fakes.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// agentHandle abstracts the running agent so tests can stub it;
// *agent.Agent is the production implementation.
type agentHandle interface {
	Info() *acp.Implementation
	PromptCapabilities() acp.PromptCapabilities
	Done() <-chan struct{}
	Err() error
	ExitSummary() string
	NewSession(ctx context.Context, cwd string, mcpServers []acp.McpServer) (*acp.NewSessionResponse, error)
	Prompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock) (*acp.PromptResponse, error)
	Cancel(sessionID string) error
	SetModel(ctx context.Context, sessionID, modelID string) error
	Close(ctx context.Context) error
}

type pendingPermission struct {
	ch    chan acp.PermissionOutcome
	timer *time.Timer
}

// Session is one connected UI client: its WebSocket, its agent subprocess,
// and everything scoped to the pair. All outbound frames funnel through a
// single writer goroutine so producers never interleave.
type Session struct {
	id     string
	hub    *Hub
	conn   wsConn
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out       chan any
	closed    chan struct{}
	closeOnce sync.Once

	mu                 sync.Mutex
	agent              agentHandle
	acpSessionID       string
	promptCaps         acp.PromptCapabilities
	agentInfo          *acp.Implementation
	modelState         *acp.ModelState
	promptActive       bool
	workingDir         string
	sb                 *sandbox.Sandbox
	fsCancel           func()
	pendingPermissions map[string]*pendingPermission
}

// ID returns the proxy-minted UI session id.
func (s *Session) ID() string { return s.id }

func newSession(hub *Hub, conn wsConn) *Session {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:                 id,
		hub:                hub,
		conn:               conn,
		logger:             hub.logger.WithFields(zap.String("session_id", id)),
		ctx:                ctx,
		cancel:             cancel,
		out:                make(chan any, outboundQueueSize),
		closed:             make(chan struct{}),
		pendingPermissions: make(map[string]*pendingPermission),
	}
}

// run drives the session until the WebSocket closes, then tears down.
func (s *Session) run() {
	go s.writeLoop()
	s.readLoop()
	s.teardown()
}

// send queues a frame for the writer. It blocks when the queue is full so
// frame order is never broken by drops; session close unblocks it.
func (s *Session) send(frame any) {
	select {
	case s.out <- frame:
	case <-s.closed:
	}
}

func (s *Session) sendError(message string) {
	s.send(newErrorFrame(message))
}

// writeLoop is the single WebSocket writer.
func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readLoop consumes UI frames. A panic while handling a frame tears down
// this session only.
func (s *Session) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in session handler, closing session",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("websocket closed", zap.Error(err))
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError("malformed frame")
			continue
		}
		if s.handleFrame(&frame) {
			return
		}
	}
}

// handleFrame dispatches one UI frame; it reports true when the session
// should end.
func (s *Session) handleFrame(frame *inboundFrame) (done bool) {
	switch frame.Type {
	case frameConnect:
		s.handleConnect()
	case frameDisconnect:
		return true
	case frameNewSession:
		s.handleNewSession(frame.Cwd)
	case framePrompt:
		s.handlePrompt(frame.Content)
	case frameCancel:
		s.handleCancel()
	case framePermissionResponse:
		s.handlePermissionResponse(frame.RequestID, frame.Outcome)
	case frameBrowserToolResult:
		s.handleBrowserToolResult(frame)
	case frameSetSessionModel:
		s.handleSetSessionModel(frame.ModelID)
	case frameFsList:
		s.handleFsList(frame.Path)
	case frameFsRead:
		s.handleFsRead(frame.Path)
	case frameFsWatchStart:
		s.handleFsWatchStart()
	case frameFsWatchStop:
		s.handleFsWatchStop()
	default:
		s.sendError(fmt.Sprintf("unknown frame type: %s", frame.Type))
	}
	return false
}

// handleConnect spawns the agent and runs the ACP initialize handshake.
func (s *Session) handleConnect() {
	s.mu.Lock()
	if s.agent != nil {
		s.mu.Unlock()
		s.sendError("already connected")
		return
	}
	s.mu.Unlock()

	a, err := s.hub.startAgent(s.ctx, s.hub.cfg.AgentArgv, s.hub.cfg.DefaultCwd, s, s.logger)
	if err != nil {
		s.logger.Error("failed to start agent", zap.Error(err))
		s.sendError(err.Error())
		return
	}

	caps := a.PromptCapabilities()
	var info *acp.Implementation
	s.mu.Lock()
	s.agent = a
	s.promptCaps = caps
	s.agentInfo = a.Info()
	info = s.agentInfo
	s.mu.Unlock()

	go s.watchAgentExit(a)

	s.send(statusFrame{
		Type:         "status",
		Connected:    true,
		AgentInfo:    info,
		Capabilities: &caps,
	})
}

// watchAgentExit surfaces an unsolicited agent death to the UI.
func (s *Session) watchAgentExit(a agentHandle) {
	select {
	case <-s.closed:
		return
	case <-a.Done():
	}
	select {
	case <-s.closed:
		return
	default:
	}

	s.logger.Warn("agent connection lost", zap.Error(a.Err()))
	s.mu.Lock()
	s.agent = nil
	s.acpSessionID = ""
	s.mu.Unlock()

	s.send(statusFrame{Type: "status", Connected: false})

	// Reap the subprocess before reporting: after a protocol error it may
	// still be running, and the exit summary is only accurate once it is
	// gone.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(stopCtx); err != nil {
		s.logger.Warn("failed to stop agent", zap.Error(err))
	}

	s.sendError(a.ExitSummary())
}

// handleNewSession creates the agent session and roots the sandbox at cwd.
func (s *Session) handleNewSession(cwd string) {
	s.mu.Lock()
	a := s.agent
	s.mu.Unlock()
	if a == nil {
		s.sendError("not connected")
		return
	}

	if cwd == "" {
		cwd = s.hub.cfg.DefaultCwd
	}
	sb, err := sandbox.New(cwd, s.logger)
	if err != nil {
		s.sendError(err.Error())
		return
	}

	mcpServers := []acp.McpServer{{
		Type: "http",
		Name: "browser",
		URL:  s.hub.cfg.MCPBaseURL + "/mcp/" + s.id,
	}}
	resp, err := a.NewSession(s.ctx, sb.Root(), mcpServers)
	if err != nil {
		s.logger.Error("session/new failed", zap.Error(err))
		s.sendError(err.Error())
		return
	}

	s.mu.Lock()
	s.acpSessionID = resp.SessionID
	s.modelState = resp.Models
	s.workingDir = sb.Root()
	s.sb = sb
	caps := s.promptCaps
	s.mu.Unlock()

	s.logger.Info("agent session created",
		zap.String("acp_session_id", resp.SessionID),
		zap.String("cwd", sb.Root()))

	s.send(sessionCreatedFrame{
		Type:               "session_created",
		SessionID:          resp.SessionID,
		PromptCapabilities: caps,
		Models:             resp.Models,
	})
}

// handlePrompt forwards a user turn. At most one prompt is in flight; the
// terminal prompt_complete comes from the agent's reply, never locally.
func (s *Session) handlePrompt(content []acp.ContentBlock) {
	s.mu.Lock()
	a := s.agent
	acpSessionID := s.acpSessionID
	if a == nil || acpSessionID == "" {
		s.mu.Unlock()
		s.sendError("no active session")
		return
	}
	if err := checkPromptContent(content, s.promptCaps); err != nil {
		s.mu.Unlock()
		s.sendError(err.Error())
		return
	}
	if s.promptActive {
		s.mu.Unlock()
		s.sendError(ErrPromptInFlight.Error())
		return
	}
	s.promptActive = true
	s.mu.Unlock()

	go func() {
		resp, err := a.Prompt(s.ctx, acpSessionID, content)

		s.mu.Lock()
		s.promptActive = false
		s.mu.Unlock()

		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("prompt failed", zap.Error(err))
			s.sendError(err.Error())
			return
		}
		s.send(promptCompleteFrame{Type: "prompt_complete", StopReason: resp.StopReason})
	}()
}

// checkPromptContent rejects blocks the agent declared it cannot accept.
// Unknown block types pass through untouched; agents ignore what they do
// not understand.
func checkPromptContent(blocks []acp.ContentBlock, caps acp.PromptCapabilities) error {
	for i := range blocks {
		b := &blocks[i]
		if !b.IsKnown() {
			continue
		}
		switch b.Type {
		case acp.ContentTypeImage:
			if !caps.Image {
				return errors.New("agent does not accept image content")
			}
		case acp.ContentTypeAudio:
			if !caps.Audio {
				return errors.New("agent does not accept audio content")
			}
		case acp.ContentTypeResource:
			if !caps.EmbeddedContext {
				return errors.New("agent does not accept embedded resources")
			}
		}
	}
	return nil
}

// handleCancel drains pending permissions first, then notifies the agent.
// The prompt is not completed locally; the agent's cancelled stop reason is
// the terminal signal. Safe to call repeatedly.
func (s *Session) handleCancel() {
	s.resolveAllPermissions(acp.PermissionOutcome{Outcome: acp.PermissionOutcomeCancelled})

	s.mu.Lock()
	a := s.agent
	acpSessionID := s.acpSessionID
	s.mu.Unlock()
	if a == nil || acpSessionID == "" {
		return
	}
	if err := a.Cancel(acpSessionID); err != nil {
		s.logger.Warn("session/cancel failed", zap.Error(err))
	}
}

// resolveAllPermissions fires every pending permission resolver once with
// the given outcome.
func (s *Session) resolveAllPermissions(outcome acp.PermissionOutcome) {
	s.mu.Lock()
	pending := s.pendingPermissions
	s.pendingPermissions = make(map[string]*pendingPermission)
	s.mu.Unlock()

	for id, p := range pending {
		p.timer.Stop()
		p.ch <- outcome
		s.logger.Debug("resolved pending permission", zap.String("request_id", id))
	}
}

// handlePermissionResponse routes the user's decision to the waiting
// resolver. Unknown or already-resolved ids are dropped.
func (s *Session) handlePermissionResponse(requestID string, outcome *acp.PermissionOutcome) {
	if outcome == nil {
		s.sendError("permission_response requires an outcome")
		return
	}

	s.mu.Lock()
	p, ok := s.pendingPermissions[requestID]
	if ok {
		delete(s.pendingPermissions, requestID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("permission response matches no pending request, dropping",
			zap.String("request_id", requestID))
		return
	}
	p.timer.Stop()
	p.ch <- *outcome
}

// handleBrowserToolResult completes a pending MCP tool call.
func (s *Session) handleBrowserToolResult(frame *inboundFrame) {
	result := &browsertools.BrowserToolResult{}
	if len(frame.Result) > 0 {
		if err := json.Unmarshal(frame.Result, result); err != nil {
			s.sendError("malformed browser_tool_result")
			return
		}
	}
	if frame.Error != "" {
		result.Error = frame.Error
	}
	s.hub.registry.Resolve(frame.CallID, result)
}

// handleSetSessionModel switches models and confirms with model_changed.
func (s *Session) handleSetSessionModel(modelID string) {
	s.mu.Lock()
	a := s.agent
	acpSessionID := s.acpSessionID
	s.mu.Unlock()
	if a == nil || acpSessionID == "" {
		s.sendError("no active session")
		return
	}

	if err := a.SetModel(s.ctx, acpSessionID, modelID); err != nil {
		s.logger.Error("session/setModel failed", zap.Error(err))
		s.sendError(err.Error())
		return
	}

	s.mu.Lock()
	if s.modelState != nil {
		s.modelState.CurrentModelID = modelID
	}
	s.mu.Unlock()

	s.send(modelChangedFrame{Type: "model_changed", ModelID: modelID})
}

func (s *Session) sandboxOrError() *sandbox.Sandbox {
	s.mu.Lock()
	sb := s.sb
	s.mu.Unlock()
	if sb == nil {
		s.sendError("no active session")
	}
	return sb
}

func (s *Session) handleFsList(path string) {
	sb := s.sandboxOrError()
	if sb == nil {
		return
	}
	items, err := sb.ListDir(path)
	if err != nil {
		s.sendFsError(err)
		return
	}
	s.send(fsListingFrame{Type: "fs_listing", Path: path, Items: items})
}

func (s *Session) handleFsRead(path string) {
	sb := s.sandboxOrError()
	if sb == nil {
		return
	}
	fc, err := sb.ReadFile(path)
	if err != nil {
		s.sendFsError(err)
		return
	}
	s.send(fsContentFrame{
		Type:      "fs_content",
		Path:      path,
		Content:   fc.Content,
		Size:      fc.Size,
		Binary:    fc.Binary,
		Truncated: fc.Truncated,
		MimeType:  fc.MimeType,
	})
}

func (s *Session) sendFsError(err error) {
	if errors.Is(err, sandbox.ErrPathEscapesSandbox) {
		s.sendError("path escapes sandbox")
		return
	}
	s.sendError(err.Error())
}

// handleFsWatchStart subscribes to the working directory watcher and
// forwards batches as fs_changes frames. Idempotent.
func (s *Session) handleFsWatchStart() {
	s.mu.Lock()
	if s.fsCancel != nil || s.workingDir == "" {
		alreadyWatching := s.fsCancel != nil
		s.mu.Unlock()
		if !alreadyWatching {
			s.sendError("no active session")
		}
		return
	}
	root := s.workingDir
	s.mu.Unlock()

	ch, cancel, err := s.hub.watcher.Subscribe(root)
	if err != nil {
		s.sendError(err.Error())
		return
	}

	s.mu.Lock()
	s.fsCancel = cancel
	s.mu.Unlock()

	go func() {
		for {
			select {
			case batch, ok := <-ch:
				if !ok {
					return
				}
				s.send(fsChangesFrame{Type: "fs_changes", Batch: batch})
			case <-s.closed:
				return
			}
		}
	}()
}

func (s *Session) handleFsWatchStop() {
	s.mu.Lock()
	cancel := s.fsCancel
	s.fsCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// sendToolCall delivers a browser_tool_call frame; called by the hub on
// behalf of the MCP endpoint.
func (s *Session) sendToolCall(callID string, params map[string]any) {
	s.send(browserToolCallFrame{Type: "browser_tool_call", CallID: callID, Params: params})
}

// close marks the session finished and unblocks the loops.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
	})
}

// teardown releases everything the session owns: pending permissions, MCP
// calls, the FS subscription, and the agent process.
func (s *Session) teardown() {
	s.close()
	s.resolveAllPermissions(acp.PermissionOutcome{Outcome: acp.PermissionOutcomeCancelled})
	s.hub.registry.CloseSession(s.id)
	s.handleFsWatchStop()

	s.mu.Lock()
	a := s.agent
	s.agent = nil
	s.mu.Unlock()
	if a != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(stopCtx); err != nil {
			s.logger.Warn("failed to stop agent", zap.Error(err))
		}
	}

	_ = s.conn.Close()
	s.hub.removeSession(s.id)
	s.logger.Info("session closed")
}

// SessionUpdate implements agent.Handler: forward the update verbatim,
// sniffing only current_model_update for the session's model state.
func (s *Session) SessionUpdate(_ context.Context, n acp.SessionNotification) {
	if acp.UpdateKind(n.Update) == acp.UpdateCurrentModelUpdate {
		var upd acp.CurrentModelUpdate
		if err := json.Unmarshal(n.Update, &upd); err == nil && upd.CurrentModelID != "" {
			s.mu.Lock()
			if s.modelState != nil {
				s.modelState.CurrentModelID = upd.CurrentModelID
			}
			s.mu.Unlock()
		}
	}
	s.send(sessionUpdateFrame{Type: "session_update", SessionID: n.SessionID, Update: n.Update})
}

// RequestPermission implements agent.Handler: mint a request id, ask the
// UI, and wait for the decision, the deadline, or session close.
func (s *Session) RequestPermission(ctx context.Context, req *acp.RequestPermissionRequest) (*acp.RequestPermissionResponse, error) {
	requestID := uuid.New().String()
	p := &pendingPermission{
		ch:    make(chan acp.PermissionOutcome, 1),
		timer: time.NewTimer(permissionTimeout),
	}

	s.mu.Lock()
	s.pendingPermissions[requestID] = p
	s.mu.Unlock()

	s.logger.Info("permission requested",
		zap.String("request_id", requestID),
		zap.Int("options", len(req.Options)))

	s.send(permissionRequestFrame{
		Type:      "permission_request",
		RequestID: requestID,
		SessionID: req.SessionID,
		Options:   req.Options,
		ToolCall:  req.ToolCall,
	})

	select {
	case outcome := <-p.ch:
		return &acp.RequestPermissionResponse{Outcome: outcome}, nil
	case <-p.timer.C:
		s.mu.Lock()
		delete(s.pendingPermissions, requestID)
		s.mu.Unlock()
		s.logger.Warn("permission request timed out", zap.String("request_id", requestID))
		return &acp.RequestPermissionResponse{
			Outcome: acp.PermissionOutcome{Outcome: acp.PermissionOutcomeCancelled},
		}, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendingPermissions, requestID)
		s.mu.Unlock()
		p.timer.Stop()
		return &acp.RequestPermissionResponse{
			Outcome: acp.PermissionOutcome{Outcome: acp.PermissionOutcomeCancelled},
		}, nil
	}
}

// ReadTextFile implements agent.Handler via the sandbox.
func (s *Session) ReadTextFile(_ context.Context, req *acp.ReadTextFileRequest) (*acp.ReadTextFileResponse, error) {
	sb, err := s.sandboxFor(req.Path)
	if err != nil {
		return nil, err
	}
	content, err := sb.ReadTextFile(agentPath(sb, req.Path), req.Line, req.Limit)
	if err != nil {
		return nil, err
	}
	return &acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile implements agent.Handler via the sandbox.
func (s *Session) WriteTextFile(_ context.Context, req *acp.WriteTextFileRequest) error {
	sb, err := s.sandboxFor(req.Path)
	if err != nil {
		return err
	}
	return sb.WriteTextFile(agentPath(sb, req.Path), req.Content)
}

func (s *Session) sandboxFor(path string) (*sandbox.Sandbox, error) {
	s.mu.Lock()
	sb := s.sb
	s.mu.Unlock()
	if sb == nil {
		return nil, fmt.Errorf("no active session for path %s", path)
	}
	return sb, nil
}

// agentPath maps agent-supplied paths onto the sandbox: agents address
// files by absolute path inside the working directory, which the sandbox
// takes relative to its root. Paths outside the root come out as ".."
// traversals and are rejected downstream.
func agentPath(sb *sandbox.Sandbox, path string) string {
	if !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(sb.Root(), path)
	if err != nil {
		return path
	}
	return rel
}
