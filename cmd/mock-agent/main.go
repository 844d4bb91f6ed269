// Package main implements a mock ACP agent speaking JSON-RPC over
// stdin/stdout. It answers the initialize and session handshakes and
// replays scripted turns keyed on the prompt text, for development and
// e2e tests of the proxy.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acpproxy/acp-proxy/internal/acp"
)

// replyTimeout bounds how long the agent waits for the client to answer
// one of its own requests (permissions, fs calls).
const replyTimeout = 5 * time.Minute

func main() {
	a := newMockAgent(os.Stdin, os.Stdout)
	if err := a.run(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

type mockAgent struct {
	in io.Reader

	writeMu sync.Mutex
	enc     *json.Encoder

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *acp.Message

	stateMu sync.Mutex
	cwd     string
	modelID string
	cancels map[string]chan struct{}
}

func newMockAgent(in io.Reader, out io.Writer) *mockAgent {
	return &mockAgent{
		in:      in,
		enc:     json.NewEncoder(out),
		pending: make(map[int64]chan *acp.Message),
		modelID: "mock-fast",
		cancels: make(map[string]chan struct{}),
	}
}

func (a *mockAgent) run() error {
	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg acp.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch {
		case msg.IsResponse():
			a.handleResponse(&msg)
		case msg.Method == acp.MethodInitialize:
			a.handleInitialize(&msg)
		case msg.Method == acp.MethodSessionNew:
			a.handleNewSession(&msg)
		case msg.Method == acp.MethodSessionPrompt:
			go a.handlePrompt(&msg)
		case msg.Method == acp.MethodSessionCancel:
			a.handleCancel(&msg)
		case msg.Method == acp.MethodSessionSetModel:
			a.handleSetModel(&msg)
		case msg.IsRequest():
			a.write(acp.NewErrorResponse(msg.ID, acp.ErrCodeMethodNotFound, "method not found: "+msg.Method))
		}
	}
	return scanner.Err()
}

func (a *mockAgent) write(msg *acp.Message) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.enc.Encode(msg)
}

func (a *mockAgent) reply(id *json.RawMessage, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		a.write(acp.NewErrorResponse(id, acp.ErrCodeInternal, err.Error()))
		return
	}
	a.write(acp.NewResponse(id, data))
}

// call issues an agent-initiated request and blocks until the client
// answers or the deadline passes.
func (a *mockAgent) call(method string, params any) (*acp.Message, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	id := a.nextID.Add(1)
	ch := make(chan *acp.Message, 1)
	a.pendingMu.Lock()
	a.pending[id] = ch
	a.pendingMu.Unlock()

	a.write(acp.NewRequest(id, method, data))

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-time.After(replyTimeout):
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
		return nil, fmt.Errorf("no reply to %s", method)
	}
}

func (a *mockAgent) handleResponse(msg *acp.Message) {
	id, ok := msg.IDInt64()
	if !ok {
		return
	}
	a.pendingMu.Lock()
	ch := a.pending[id]
	delete(a.pending, id)
	a.pendingMu.Unlock()
	if ch != nil {
		ch <- msg
	}
}

func (a *mockAgent) handleInitialize(msg *acp.Message) {
	a.reply(msg.ID, acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersion,
		AgentCapabilities: acp.AgentCapabilities{
			PromptCapabilities: acp.PromptCapabilities{
				Image:           true,
				EmbeddedContext: true,
			},
		},
		AgentInfo: &acp.Implementation{Name: "mock-agent", Version: "1.0.0"},
	})
}

func (a *mockAgent) handleNewSession(msg *acp.Message) {
	var req acp.NewSessionRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil {
		a.write(acp.NewErrorResponse(msg.ID, acp.ErrCodeInvalidParams, err.Error()))
		return
	}

	a.stateMu.Lock()
	a.cwd = req.Cwd
	modelID := a.modelID
	a.stateMu.Unlock()

	a.reply(msg.ID, acp.NewSessionResponse{
		SessionID: fmt.Sprintf("mock-session-%d", os.Getpid()),
		Models: &acp.ModelState{
			AvailableModels: []acp.ModelInfo{
				{ModelID: "mock-fast", Name: "Mock Fast", Description: "Instant canned replies"},
				{ModelID: "mock-smart", Name: "Mock Smart", Description: "Same replies, more gravitas"},
			},
			CurrentModelID: modelID,
		},
	})
}

func (a *mockAgent) handlePrompt(msg *acp.Message) {
	var req acp.PromptRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil {
		a.write(acp.NewErrorResponse(msg.ID, acp.ErrCodeInvalidParams, err.Error()))
		return
	}

	cancelled := make(chan struct{})
	a.stateMu.Lock()
	a.cancels[req.SessionID] = cancelled
	a.stateMu.Unlock()
	defer func() {
		a.stateMu.Lock()
		delete(a.cancels, req.SessionID)
		a.stateMu.Unlock()
	}()

	stopReason := a.script(req.SessionID, promptText(req.Prompt), cancelled)
	a.reply(msg.ID, acp.PromptResponse{StopReason: stopReason})
}

func (a *mockAgent) handleCancel(msg *acp.Message) {
	var req acp.CancelNotification
	if err := json.Unmarshal(msg.Params, &req); err != nil {
		return
	}
	a.stateMu.Lock()
	if ch, ok := a.cancels[req.SessionID]; ok {
		close(ch)
		delete(a.cancels, req.SessionID)
	}
	a.stateMu.Unlock()
}

func (a *mockAgent) handleSetModel(msg *acp.Message) {
	var req acp.SetSessionModelRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil {
		a.write(acp.NewErrorResponse(msg.ID, acp.ErrCodeInvalidParams, err.Error()))
		return
	}

	a.stateMu.Lock()
	a.modelID = req.ModelID
	a.stateMu.Unlock()

	a.reply(msg.ID, struct{}{})
	a.update(req.SessionID, map[string]any{
		"sessionUpdate":  acp.UpdateCurrentModelUpdate,
		"currentModelId": req.ModelID,
	})
}

// update emits a session/update notification.
func (a *mockAgent) update(sessionID string, update any) {
	raw, err := json.Marshal(update)
	if err != nil {
		return
	}
	params, err := json.Marshal(acp.SessionNotification{SessionID: sessionID, Update: raw})
	if err != nil {
		return
	}
	a.write(acp.NewNotification(acp.MethodSessionUpdate, params))
}

func promptText(blocks []acp.ContentBlock) string {
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			return b.Text
		}
	}
	return ""
}
