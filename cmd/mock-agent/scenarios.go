package main

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/acpproxy/acp-proxy/internal/acp"
)

// slowChunkDelay paces the "slow" scenario so cancellation can win.
const slowChunkDelay = 300 * time.Millisecond

// script plays one turn and returns its stop reason. The prompt text picks
// the scenario; anything unrecognized is echoed back.
func (a *mockAgent) script(sessionID, text string, cancelled <-chan struct{}) string {
	switch {
	case text == "Hello":
		a.chunk(sessionID, "Hi!")
		return acp.StopReasonEndTurn
	case strings.HasPrefix(text, "slow"):
		return a.slowScenario(sessionID, cancelled)
	case strings.HasPrefix(text, "permission"):
		return a.permissionScenario(sessionID)
	case strings.HasPrefix(text, "think"):
		a.thought(sessionID, "The user wants me to think. Thinking... done.")
		a.chunk(sessionID, "I have thought about it.")
		return acp.StopReasonEndTurn
	case strings.HasPrefix(text, "read "):
		return a.readScenario(sessionID, strings.TrimPrefix(text, "read "))
	case strings.HasPrefix(text, "write "):
		return a.writeScenario(sessionID, strings.TrimPrefix(text, "write "))
	default:
		a.chunk(sessionID, "You said: "+text)
		return acp.StopReasonEndTurn
	}
}

// slowScenario streams chunks until done or cancelled.
func (a *mockAgent) slowScenario(sessionID string, cancelled <-chan struct{}) string {
	for i := 1; i <= 5; i++ {
		select {
		case <-cancelled:
			return acp.StopReasonCancelled
		case <-time.After(slowChunkDelay):
		}
		a.chunk(sessionID, "Still working... ")
	}
	a.chunk(sessionID, "Done.")
	return acp.StopReasonEndTurn
}

// permissionScenario asks the client for permission before "acting".
func (a *mockAgent) permissionScenario(sessionID string) string {
	resp, err := a.call(acp.MethodRequestPermission, acp.RequestPermissionRequest{
		SessionID: sessionID,
		ToolCall:  json.RawMessage(`{"title":"Run destructive operation","kind":"execute"}`),
		Options: []acp.PermissionOption{
			{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
			{OptionID: "deny", Name: "Deny", Kind: "reject_once"},
		},
	})
	if err != nil {
		a.chunk(sessionID, "Permission request failed: "+err.Error())
		return acp.StopReasonEndTurn
	}

	var perm acp.RequestPermissionResponse
	if err := json.Unmarshal(resp.Result, &perm); err != nil {
		a.chunk(sessionID, "Malformed permission response.")
		return acp.StopReasonEndTurn
	}

	switch {
	case perm.Outcome.Outcome == acp.PermissionOutcomeCancelled:
		return acp.StopReasonCancelled
	case perm.Outcome.OptionID == "allow":
		a.chunk(sessionID, "Permission granted, proceeding.")
	default:
		a.chunk(sessionID, "Understood, not doing that.")
	}
	return acp.StopReasonEndTurn
}

// readScenario exercises the client's fs/readTextFile capability.
func (a *mockAgent) readScenario(sessionID, path string) string {
	resp, err := a.call(acp.MethodFsReadTextFile, acp.ReadTextFileRequest{
		SessionID: sessionID,
		Path:      a.absPath(path),
	})
	if err != nil {
		a.chunk(sessionID, "Could not read "+path+": "+err.Error())
		return acp.StopReasonEndTurn
	}

	var file acp.ReadTextFileResponse
	if err := json.Unmarshal(resp.Result, &file); err != nil {
		a.chunk(sessionID, "Malformed read response.")
		return acp.StopReasonEndTurn
	}
	a.chunk(sessionID, "Contents of "+path+":\n"+file.Content)
	return acp.StopReasonEndTurn
}

// writeScenario exercises fs/writeTextFile: "write <path> <content...>".
func (a *mockAgent) writeScenario(sessionID, rest string) string {
	path, content, _ := strings.Cut(rest, " ")
	_, err := a.call(acp.MethodFsWriteTextFile, acp.WriteTextFileRequest{
		SessionID: sessionID,
		Path:      a.absPath(path),
		Content:   content + "\n",
	})
	if err != nil {
		a.chunk(sessionID, "Could not write "+path+": "+err.Error())
		return acp.StopReasonEndTurn
	}
	a.chunk(sessionID, "Wrote "+path+".")
	return acp.StopReasonEndTurn
}

func (a *mockAgent) absPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return filepath.Join(a.cwd, path)
}

func (a *mockAgent) chunk(sessionID, text string) {
	a.update(sessionID, map[string]any{
		"sessionUpdate": acp.UpdateAgentMessageChunk,
		"content":       map[string]any{"type": "text", "text": text},
	})
}

func (a *mockAgent) thought(sessionID, text string) {
	a.update(sessionID, map[string]any{
		"sessionUpdate": acp.UpdateAgentThoughtChunk,
		"content":       map[string]any{"type": "text", "text": text},
	})
}
