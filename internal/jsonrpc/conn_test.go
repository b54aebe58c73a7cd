package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu            sync.Mutex
	notifications []string
	requests      []string
}

func (h *recordingHandler) HandleNotification(method string, params json.RawMessage) {
	h.mu.Lock()
	h.notifications = append(h.notifications, method)
	h.mu.Unlock()
}

func (h *recordingHandler) HandleRequest(id json.RawMessage, method string, params json.RawMessage) {
	h.mu.Lock()
	h.requests = append(h.requests, method)
	h.mu.Unlock()
}

func (h *recordingHandler) seen() ([]string, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.notifications...), append([]string(nil), h.requests...)
}

// fakePeer is the far side of the connection: it reads frames off the conn's
// write pipe on a dedicated goroutine (so the conn's writes never block
// against the test goroutine) and feeds responses into the conn's read pipe.
type fakePeer struct {
	t        *testing.T
	requests chan Message
	replies  io.WriteCloser
}

func newConnWithPeer(t *testing.T, h Handler) (*Conn, *fakePeer) {
	t.Helper()
	outR, outW := io.Pipe() // conn writes, peer reads
	inR, inW := io.Pipe()   // peer writes, conn reads

	if h == nil {
		h = &recordingHandler{}
	}
	conn := NewConn(outW, h, slog.Default())
	go conn.ReadLoop(inR)

	requests := make(chan Message, 64)
	go func() {
		sc := bufio.NewScanner(outR)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			var msg Message
			if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
				t.Errorf("malformed frame from conn: %v", err)
				continue
			}
			requests <- msg
		}
		close(requests)
	}()
	return conn, &fakePeer{t: t, requests: requests, replies: inW}
}

func (p *fakePeer) readFrame() Message {
	p.t.Helper()
	select {
	case msg, ok := <-p.requests:
		require.True(p.t, ok, "expected a frame from the conn")
		return msg
	case <-time.After(5 * time.Second):
		p.t.Fatal("expected a frame from the conn")
		return Message{}
	}
}

func (p *fakePeer) send(v any) {
	p.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(p.t, err)
	_, err = p.replies.Write(append(data, '\n'))
	require.NoError(p.t, err)
}

func (p *fakePeer) sendRaw(line string) {
	p.t.Helper()
	_, err := p.replies.Write([]byte(line + "\n"))
	require.NoError(p.t, err)
}

func TestCallCorrelatesReplyByID(t *testing.T) {
	conn, peer := newConnWithPeer(t, nil)
	defer conn.Close()

	type result struct {
		Value string `json:"value"`
	}

	done := make(chan result, 1)
	go func() {
		var r result
		err := conn.Call(context.Background(), "thing/get", map[string]any{"k": "v"}, &r)
		require.NoError(t, err)
		done <- r
	}()

	frame := peer.readFrame()
	assert.Equal(t, "2.0", frame.JSONRPC)
	assert.Equal(t, "thing/get", frame.Method)
	assert.JSONEq(t, `{"k":"v"}`, string(frame.Params))

	peer.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(frame.ID),
		"result":  map[string]any{"value": "hello"},
	})

	select {
	case r := <-done:
		assert.Equal(t, "hello", r.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("call never completed")
	}
}

func TestOutOfOrderReplies(t *testing.T) {
	conn, peer := newConnWithPeer(t, nil)
	defer conn.Close()

	ch1, err := conn.CallAsync("first", nil)
	require.NoError(t, err)
	ch2, err := conn.CallAsync("second", nil)
	require.NoError(t, err)

	f1 := peer.readFrame()
	f2 := peer.readFrame()

	// Answer the second request first.
	peer.send(map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(f2.ID), "result": map[string]any{"n": 2}})
	peer.send(map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(f1.ID), "result": map[string]any{"n": 1}})

	r2 := <-ch2
	require.NotNil(t, r2)
	assert.JSONEq(t, `{"n":2}`, string(r2.Result))
	r1 := <-ch1
	require.NotNil(t, r1)
	assert.JSONEq(t, `{"n":1}`, string(r1.Result))
}

func TestErrorReplySurfacesAsError(t *testing.T) {
	conn, peer := newConnWithPeer(t, nil)
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		done <- conn.Call(context.Background(), "boom", nil, nil)
	}()

	frame := peer.readFrame()
	peer.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(frame.ID),
		"error":   map[string]any{"code": -32000, "message": "it broke"},
	})

	err := <-done
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Contains(t, err.Error(), "it broke")
}

func TestNotificationAndRequestDispatch(t *testing.T) {
	h := &recordingHandler{}
	conn, peer := newConnWithPeer(t, h)
	defer conn.Close()

	peer.send(map[string]any{"jsonrpc": "2.0", "method": "item/started", "params": map[string]any{}})
	peer.send(map[string]any{"jsonrpc": "2.0", "id": "srv-1", "method": "execCommandApproval", "params": map[string]any{}})

	require.Eventually(t, func() bool {
		n, r := h.seen()
		return len(n) == 1 && len(r) == 1
	}, 2*time.Second, 10*time.Millisecond)

	n, r := h.seen()
	assert.Equal(t, []string{"item/started"}, n)
	assert.Equal(t, []string{"execCommandApproval"}, r)
}

func TestMalformedLinesAreDropped(t *testing.T) {
	h := &recordingHandler{}
	conn, peer := newConnWithPeer(t, h)
	defer conn.Close()

	peer.sendRaw("this is not json")
	peer.sendRaw("{\"jsonrpc\":")
	peer.send(map[string]any{"jsonrpc": "2.0", "method": "after/garbage"})

	require.Eventually(t, func() bool {
		n, _ := h.seen()
		return len(n) == 1
	}, 2*time.Second, 10*time.Millisecond)

	n, _ := h.seen()
	assert.Equal(t, []string{"after/garbage"}, n)
}

func TestUnknownReplyIDIsDropped(t *testing.T) {
	h := &recordingHandler{}
	conn, peer := newConnWithPeer(t, h)
	defer conn.Close()

	peer.send(map[string]any{"jsonrpc": "2.0", "id": 999, "result": map[string]any{}})
	peer.send(map[string]any{"jsonrpc": "2.0", "method": "still/alive"})

	require.Eventually(t, func() bool {
		n, _ := h.seen()
		return len(n) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseFailsPendingCalls(t *testing.T) {
	conn, peer := newConnWithPeer(t, nil)

	ch, err := conn.CallAsync("never/answered", nil)
	require.NoError(t, err)
	peer.readFrame()

	conn.Close()

	reply, ok := <-ch
	assert.False(t, ok)
	assert.Nil(t, reply)

	_, err = conn.CallAsync("too/late", nil)
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestPeerEOFClosesConn(t *testing.T) {
	conn, peer := newConnWithPeer(t, nil)

	require.NoError(t, peer.replies.Close())

	require.Eventually(t, func() bool {
		_, err := conn.CallAsync("x", nil)
		return err == ErrConnClosed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplyEchoesRawID(t *testing.T) {
	conn, peer := newConnWithPeer(t, nil)
	defer conn.Close()

	require.NoError(t, conn.Reply(json.RawMessage(`"srv-abc"`), map[string]any{"decision": "accept"}))

	frame := peer.readFrame()
	assert.Equal(t, `"srv-abc"`, string(frame.ID))
	assert.JSONEq(t, `{"decision":"accept"}`, string(frame.Result))
}
