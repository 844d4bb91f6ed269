package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/acpproxy/acp-proxy/internal/acp"
	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"go.uber.org/zap"
)

// ErrConnClosed is returned for calls made on (or interrupted by) a closed
// connection.
var ErrConnClosed = errors.New("agent connection closed")

// maxLineSize bounds a single NDJSON line from the agent (10 MiB).
const maxLineSize = 10 * 1024 * 1024

// Handler receives agent-initiated traffic. SessionUpdate is called in the
// read loop, so notification order is preserved; the request methods run in
// their own goroutines since they may block on the user.
type Handler interface {
	SessionUpdate(ctx context.Context, n acp.SessionNotification)
	RequestPermission(ctx context.Context, req *acp.RequestPermissionRequest) (*acp.RequestPermissionResponse, error)
	ReadTextFile(ctx context.Context, req *acp.ReadTextFileRequest) (*acp.ReadTextFileResponse, error)
	WriteTextFile(ctx context.Context, req *acp.WriteTextFileRequest) error
}

// Conn is a JSON-RPC 2.0 peer over newline-delimited JSON. Outgoing requests
// get monotonically increasing numeric ids; incoming requests are dispatched
// to the Handler and answered with the incoming id.
type Conn struct {
	logger  *logger.Logger
	handler Handler

	stdin   io.Writer
	writeMu sync.Mutex

	nextID    atomic.Int64
	pending   map[int64]chan *acp.Message
	pendingMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn wires a connection over the given pipes and starts the read loop.
func NewConn(stdin io.Writer, stdout io.Reader, handler Handler, log *logger.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		logger:  log.WithComponent("agent-conn"),
		handler: handler,
		stdin:   stdin,
		pending: make(map[int64]chan *acp.Message),
		closed:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.readLoop(stdout)
	return c
}

// Done returns a channel closed when the connection dies (EOF, protocol
// error, or Close).
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the reason the connection closed, or nil while it is alive.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Close tears the connection down and rejects all outstanding calls. The
// read loop drains on its own once the process closes its stdout.
func (c *Conn) Close() error {
	c.fail(ErrConnClosed)
	return nil
}

// fail records the close reason, rejects all pending calls, and stops the
// dispatch context. First caller wins.
func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		c.cancel()

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.pendingMu.Unlock()
	})
}

// Call sends a request and decodes the result into out (which may be nil).
// It returns when the agent responds, ctx expires, or the connection dies.
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	id := c.nextID.Add(1)
	ch := make(chan *acp.Message, 1)

	c.pendingMu.Lock()
	select {
	case <-c.closed:
		c.pendingMu.Unlock()
		return c.closedError()
	default:
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeMessage(acp.NewRequest(id, method, rawParams)); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return c.closedError()
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		c.removePending(id)
		return c.closedError()
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	return c.writeMessage(acp.NewNotification(method, rawParams))
}

func (c *Conn) closedError() error {
	if c.closeErr != nil && !errors.Is(c.closeErr, ErrConnClosed) {
		return fmt.Errorf("%w: %s", ErrConnClosed, c.closeErr)
	}
	return ErrConnClosed
}

func (c *Conn) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// writeMessage serializes a message as one NDJSON line. Writes are
// serialized under a mutex so concurrent calls cannot interleave lines.
func (c *Conn) writeMessage(msg *acp.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return c.closedError()
	default:
	}

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// readLoop consumes agent stdout line by line. A line that is not valid
// JSON-RPC is a protocol error that kills the whole connection.
func (c *Conn) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg acp.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Error("agent emitted a non-JSON line, closing connection",
				zap.ByteString("line", truncateLine(line)),
				zap.Error(err))
			c.fail(fmt.Errorf("agent protocol error on line %q: %w", truncateLine(line), err))
			return
		}

		switch {
		case msg.IsResponse():
			c.handleResponse(&msg)
		case msg.IsRequest():
			// Requests may block on the user (permissions), so they get
			// their own goroutine; notifications stay in the loop to keep
			// update order.
			m := msg
			go c.handleRequest(&m)
		case msg.IsNotification():
			c.handleNotification(&msg)
		default:
			c.logger.Error("agent sent an invalid JSON-RPC message, closing connection",
				zap.ByteString("line", truncateLine(line)))
			c.fail(errors.New("agent protocol error: message is neither request, notification, nor response"))
			return
		}
	}

	if err := scanner.Err(); err != nil {
		c.fail(fmt.Errorf("agent stdout read: %w", err))
		return
	}
	c.fail(io.EOF)
}

func truncateLine(line []byte) []byte {
	const max = 512
	if len(line) > max {
		return line[:max]
	}
	return line
}

// handleResponse matches a response to its pending call. Single-winner: the
// id is removed under the lock, so a late delivery cannot race a timeout.
func (c *Conn) handleResponse(msg *acp.Message) {
	id, ok := msg.IDInt64()
	if !ok {
		c.logger.Warn("agent response with non-numeric id, dropping")
		return
	}

	c.pendingMu.Lock()
	ch, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !found {
		c.logger.Warn("agent response matches no pending request, dropping",
			zap.Int64("id", id))
		return
	}
	ch <- msg
}

// handleNotification dispatches agent notifications in the read loop so
// session/update order is preserved.
func (c *Conn) handleNotification(msg *acp.Message) {
	switch msg.Method {
	case acp.MethodSessionUpdate:
		var n acp.SessionNotification
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			c.logger.Warn("malformed session/update params, dropping", zap.Error(err))
			return
		}
		c.handler.SessionUpdate(c.ctx, n)
	default:
		c.logger.Debug("ignoring unknown agent notification",
			zap.String("method", msg.Method))
	}
}

// handleRequest serves an agent-initiated request and replies with the
// incoming id.
func (c *Conn) handleRequest(msg *acp.Message) {
	switch msg.Method {
	case acp.MethodRequestPermission:
		var req acp.RequestPermissionRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			c.replyError(msg.ID, acp.ErrCodeInvalidParams, err.Error())
			return
		}
		resp, err := c.handler.RequestPermission(c.ctx, &req)
		if err != nil {
			c.replyError(msg.ID, acp.ErrCodeInternal, err.Error())
			return
		}
		c.reply(msg.ID, resp)

	case acp.MethodFsReadTextFile:
		var req acp.ReadTextFileRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			c.replyError(msg.ID, acp.ErrCodeInvalidParams, err.Error())
			return
		}
		resp, err := c.handler.ReadTextFile(c.ctx, &req)
		if err != nil {
			c.replyError(msg.ID, acp.ErrCodeInternal, err.Error())
			return
		}
		c.reply(msg.ID, resp)

	case acp.MethodFsWriteTextFile:
		var req acp.WriteTextFileRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			c.replyError(msg.ID, acp.ErrCodeInvalidParams, err.Error())
			return
		}
		if err := c.handler.WriteTextFile(c.ctx, &req); err != nil {
			c.replyError(msg.ID, acp.ErrCodeInternal, err.Error())
			return
		}
		c.reply(msg.ID, struct{}{})

	default:
		c.logger.Warn("agent called unknown method",
			zap.String("method", msg.Method))
		c.replyError(msg.ID, acp.ErrCodeMethodNotFound,
			fmt.Sprintf("method not found: %s", msg.Method))
	}
}

func (c *Conn) reply(id *json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.replyError(id, acp.ErrCodeInternal, err.Error())
		return
	}
	if err := c.writeMessage(acp.NewResponse(id, raw)); err != nil {
		c.logger.Warn("failed to write response to agent", zap.Error(err))
	}
}

func (c *Conn) replyError(id *json.RawMessage, code int, message string) {
	if err := c.writeMessage(acp.NewErrorResponse(id, code, message)); err != nil {
		c.logger.Warn("failed to write error response to agent", zap.Error(err))
	}
}
