// Package jsonrpc implements a JSON-RPC 2.0 peer over newline-delimited JSON,
// as spoken by codex-style subprocesses on their stdio. Outgoing requests get
// monotonically increasing integer ids; inbound traffic is classified into
// replies, server-initiated requests, and notifications.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrConnClosed is returned for calls made after the peer went away.
var ErrConnClosed = errors.New("jsonrpc: connection closed")

// Error is a JSON-RPC error object. It satisfies the error interface so
// callers can unwrap a failed reply directly.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is a single JSON-RPC 2.0 frame. The id is kept raw so that
// server-initiated request ids can be echoed back byte-for-byte.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Handler receives peer-initiated traffic. HandleRequest must eventually
// answer with Reply or ReplyError using the same id.
type Handler interface {
	HandleNotification(method string, params json.RawMessage)
	HandleRequest(id json.RawMessage, method string, params json.RawMessage)
}

// Conn is one JSON-RPC connection over a subprocess's stdio. Writes are
// serialized; every frame is a single line terminated by \n.
type Conn struct {
	w       io.Writer
	handler Handler
	logger  *slog.Logger

	nextID atomic.Int64

	wmu sync.Mutex // serializes writes

	mu      sync.Mutex
	pending map[int64]chan *Message
	closed  bool
	closeCh chan struct{}
}

// NewConn wraps the subprocess's stdin. ReadLoop must be started separately
// with the matching stdout.
func NewConn(w io.Writer, handler Handler, logger *slog.Logger) *Conn {
	return &Conn{
		w:       w,
		handler: handler,
		logger:  logger,
		pending: make(map[int64]chan *Message),
		closeCh: make(chan struct{}),
	}
}

// CallAsync writes a request and returns a channel that yields the reply.
// The write happens before CallAsync returns, so callers control request
// ordering; the reply may arrive in any order and is correlated by id.
func (c *Conn) CallAsync(method string, params any) (<-chan *Message, error) {
	id := c.nextID.Add(1)
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	msg := &Message{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
	}
	if err := c.marshalParamsInto(msg, params); err != nil {
		c.forget(id)
		return nil, err
	}
	if err := c.write(msg); err != nil {
		c.forget(id)
		return nil, err
	}
	return ch, nil
}

// Call writes a request and blocks for the reply. A cancelled context cleans
// up the pending entry.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	ch, err := c.CallAsync(method, params)
	if err != nil {
		return err
	}
	select {
	case reply := <-ch:
		if reply == nil {
			return ErrConnClosed
		}
		if reply.Error != nil {
			return reply.Error
		}
		if result != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closeCh:
		return ErrConnClosed
	}
}

// Notify writes a notification (no id, no reply).
func (c *Conn) Notify(method string, params any) error {
	msg := &Message{JSONRPC: "2.0", Method: method}
	if err := c.marshalParamsInto(msg, params); err != nil {
		return err
	}
	return c.write(msg)
}

// Reply answers a server-initiated request.
func (c *Conn) Reply(id json.RawMessage, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return c.write(&Message{JSONRPC: "2.0", ID: id, Result: data})
}

// ReplyError answers a server-initiated request with an error.
func (c *Conn) ReplyError(id json.RawMessage, code int, message string) error {
	return c.write(&Message{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}})
}

// ReadLoop drains the peer's stdout line by line until EOF, dispatching each
// frame. Malformed lines are logged and dropped; they never kill the
// connection. On return all pending calls fail with ErrConnClosed.
func (c *Conn) ReadLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("dropping malformed jsonrpc line", "error", err)
			continue
		}
		c.dispatch(&msg)
	}
	if err := sc.Err(); err != nil {
		c.logger.Warn("jsonrpc read loop ended", "error", err)
	}
	c.Close()
}

// Close fails all pending calls and rejects future ones. Safe to call more
// than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan *Message)
	close(c.closeCh)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (c *Conn) dispatch(msg *Message) {
	switch {
	case len(msg.ID) > 0 && (msg.Result != nil || msg.Error != nil):
		id, err := strconv.ParseInt(string(msg.ID), 10, 64)
		if err != nil {
			c.logger.Warn("dropping reply with non-integer id", "id", string(msg.ID))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("dropping reply with unknown id", "id", id)
			return
		}
		ch <- msg
	case len(msg.ID) > 0 && msg.Method != "":
		c.handler.HandleRequest(msg.ID, msg.Method, msg.Params)
	case msg.Method != "":
		c.handler.HandleNotification(msg.Method, msg.Params)
	default:
		c.logger.Warn("dropping unclassifiable jsonrpc frame")
	}
}

func (c *Conn) marshalParamsInto(msg *Message, params any) error {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	msg.Params = data
	return nil
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
