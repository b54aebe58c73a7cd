package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/adapter"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/permission"
	"github.com/agentmux/agentmux/internal/protocol"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []*protocol.ClientMessage
}

func (a *fakeAdapter) SendBrowserMessage(msg *protocol.ClientMessage) error {
	a.mu.Lock()
	a.sent = append(a.sent, msg)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Close() {}

func (a *fakeAdapter) received() []*protocol.ClientMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*protocol.ClientMessage(nil), a.sent...)
}

type fakeSessions struct {
	mu      sync.Mutex
	adapter *fakeAdapter
	states  []string
}

func (s *fakeSessions) Info(sessionID string) (*protocol.SessionSnapshot, bool) {
	if sessionID == "missing" {
		return nil, false
	}
	return &protocol.SessionSnapshot{
		SessionID: sessionID,
		Backend:   protocol.BackendClaude,
		State:     protocol.StateConnected,
	}, true
}

func (s *fakeSessions) Adapter(string) (adapter.Adapter, bool) {
	return s.adapter, true
}

func (s *fakeSessions) SetState(_, state string) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
}

func (s *fakeSessions) recordedStates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.states...)
}

type testHarness struct {
	bridge   *Bridge
	sessions *fakeSessions
	server   *httptest.Server
}

func newHarness(t *testing.T, ringSize int) *testHarness {
	t.Helper()
	cfg := config.Default()
	if ringSize > 0 {
		cfg.Sessions.RingSize = ringSize
	}

	sessions := &fakeSessions{adapter: &fakeAdapter{}}
	b := New(sessions, permission.NewArbiter(slog.Default()), nil, cfg, slog.Default())

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimPrefix(r.URL.Path, "/ws/browser/")
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		b.HandleBrowser(sessionID, conn)
	}))
	t.Cleanup(srv.Close)

	return &testHarness{bridge: b, sessions: sessions, server: srv}
}

func (h *testHarness) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/browser/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, lastSeq uint64) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     protocol.MsgSessionSubscribe,
		"last_seq": lastSeq,
	}))
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func userEvent(content string) *protocol.ServerMessage {
	return protocol.New(protocol.MsgUserMessage, map[string]any{"content": content})
}

func TestSubscribeHandshakeSequence(t *testing.T) {
	h := newHarness(t, 0)

	h.bridge.Publish("s1", userEvent("hello"))
	h.bridge.Publish("s1", protocol.New(protocol.MsgAssistant, map[string]any{"message": map[string]any{"id": "m1"}}))
	h.bridge.Publish("s1", protocol.New(protocol.MsgStreamEvent, map[string]any{"event": map[string]any{}}))

	conn := h.dial(t, "s1")
	subscribe(t, conn, 0)

	init := readMsg(t, conn)
	assert.Equal(t, protocol.MsgSessionInit, init["type"])
	assert.NotContains(t, init, "seq", "session_init is unsequenced")
	session := init["session"].(map[string]any)
	assert.Equal(t, "s1", session["session_id"])

	history := readMsg(t, conn)
	assert.Equal(t, protocol.MsgMessageHistory, history["type"])
	assert.NotContains(t, history, "seq")
	msgs := history["messages"].([]any)
	assert.Len(t, msgs, 2, "history keeps conversation types only")

	replay := readMsg(t, conn)
	assert.Equal(t, protocol.MsgEventReplay, replay["type"])
	events := replay["events"].([]any)
	require.Len(t, events, 3)
	first := events[0].(map[string]any)
	assert.Equal(t, float64(1), first["seq"])
	last := events[2].(map[string]any)
	assert.Equal(t, float64(3), last["seq"])
}

func TestLiveEventsCarrySeqAndReachAllClients(t *testing.T) {
	h := newHarness(t, 0)

	connA := h.dial(t, "s1")
	subscribe(t, connA, 0)
	connB := h.dial(t, "s1")
	subscribe(t, connB, 0)

	// Drain the handshake triple on both.
	for i := 0; i < 3; i++ {
		readMsg(t, connA)
		readMsg(t, connB)
	}

	h.bridge.Publish("s1", userEvent("broadcast"))

	for _, conn := range []*websocket.Conn{connA, connB} {
		m := readMsg(t, conn)
		assert.Equal(t, protocol.MsgUserMessage, m["type"])
		assert.Equal(t, float64(1), m["seq"])
	}
}

func TestReplayFromLastSeq(t *testing.T) {
	h := newHarness(t, 0)

	for i := 0; i < 5; i++ {
		h.bridge.Publish("s1", protocol.New(protocol.MsgStreamEvent, map[string]any{"n": i}))
	}

	conn := h.dial(t, "s1")
	subscribe(t, conn, 3)

	readMsg(t, conn) // session_init
	readMsg(t, conn) // message_history

	replay := readMsg(t, conn)
	events := replay["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, float64(4), events[0].(map[string]any)["seq"])
	assert.Equal(t, float64(5), events[1].(map[string]any)["seq"])
	assert.NotContains(t, replay, "oldest_seq")
}

func TestReplayPastEvictionReportsGap(t *testing.T) {
	h := newHarness(t, 4)

	for i := 0; i < 10; i++ {
		h.bridge.Publish("s1", protocol.New(protocol.MsgStreamEvent, map[string]any{"n": i}))
	}

	conn := h.dial(t, "s1")
	subscribe(t, conn, 2) // seqs 3..6 already evicted

	readMsg(t, conn)
	readMsg(t, conn)

	replay := readMsg(t, conn)
	events := replay["events"].([]any)
	require.Len(t, events, 4)
	assert.Equal(t, float64(7), events[0].(map[string]any)["seq"])
	assert.Equal(t, float64(7), replay["oldest_seq"])
}

func TestSubscribeDuringPublishKeepsOrdering(t *testing.T) {
	h := newHarness(t, 8)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; ; n++ {
			select {
			case <-stop:
				return
			default:
			}
			h.bridge.Publish("s1", protocol.New(protocol.MsgStreamEvent, map[string]any{"n": n}))
			time.Sleep(100 * time.Microsecond)
		}
	}()
	t.Cleanup(func() { close(stop); wg.Wait() })

	// Every connection must see the full preamble before any live event, and
	// a strictly increasing seq across replay and live, no matter where the
	// publisher is when the subscribe lands.
	for i := 0; i < 30; i++ {
		conn := h.dial(t, "s1")
		subscribe(t, conn, 0)

		require.Equal(t, protocol.MsgSessionInit, readMsg(t, conn)["type"])
		require.Equal(t, protocol.MsgMessageHistory, readMsg(t, conn)["type"])
		replay := readMsg(t, conn)
		require.Equal(t, protocol.MsgEventReplay, replay["type"])

		var last float64
		for _, e := range replay["events"].([]any) {
			seq := e.(map[string]any)["seq"].(float64)
			require.Greater(t, seq, last)
			last = seq
		}
		for j := 0; j < 3; j++ {
			m := readMsg(t, conn)
			require.Equal(t, protocol.MsgStreamEvent, m["type"])
			seq := m["seq"].(float64)
			require.Greater(t, seq, last)
			last = seq
		}
		conn.Close()
	}
}

func TestFirstMessageMustBeSubscribe(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.dial(t, "s1")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": protocol.MsgUserMessage, "content": "too eager",
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestUnknownSessionIsRejected(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.dial(t, "missing")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestUserMessageEchoAndStateTransitions(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.dial(t, "s1")
	subscribe(t, conn, 0)
	for i := 0; i < 3; i++ {
		readMsg(t, conn)
	}

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":          protocol.MsgUserMessage,
		"content":       "do the thing",
		"client_msg_id": "c-1",
	}))

	echo := readMsg(t, conn)
	assert.Equal(t, protocol.MsgUserMessage, echo["type"])
	assert.Equal(t, "do the thing", echo["content"])
	assert.Equal(t, float64(1), echo["seq"])

	require.Eventually(t, func() bool {
		return len(h.sessions.adapter.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	sent := h.sessions.adapter.received()[0]
	assert.Equal(t, "do the thing", sent.Content)

	assert.Contains(t, h.sessions.recordedStates(), protocol.StateRunning)

	h.bridge.Publish("s1", protocol.New(protocol.MsgResult, map[string]any{"subtype": "success"}))
	require.Eventually(t, func() bool {
		states := h.sessions.recordedStates()
		return len(states) > 0 && states[len(states)-1] == protocol.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDuplicateIntentsAreDropped(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.dial(t, "s1")
	subscribe(t, conn, 0)
	for i := 0; i < 3; i++ {
		readMsg(t, conn)
	}

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.WriteJSON(map[string]any{
			"type":          protocol.MsgUserMessage,
			"content":       "once please",
			"client_msg_id": "dup-1",
		}))
	}

	require.Eventually(t, func() bool {
		return len(h.sessions.adapter.received()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.sessions.adapter.received(), 1)

	// Only one echo in the stream as well.
	echo := readMsg(t, conn)
	assert.Equal(t, protocol.MsgUserMessage, echo["type"])
	h.bridge.Publish("s1", protocol.New(protocol.MsgStreamEvent, map[string]any{"n": 1}))
	next := readMsg(t, conn)
	assert.Equal(t, protocol.MsgStreamEvent, next["type"])
}

func TestAckIsAccepted(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.dial(t, "s1")
	subscribe(t, conn, 0)
	for i := 0; i < 3; i++ {
		readMsg(t, conn)
	}

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": protocol.MsgSessionAck, "last_seq": 0,
	}))

	// The stream stays live after an ack.
	h.bridge.Publish("s1", userEvent("still here"))
	m := readMsg(t, conn)
	assert.Equal(t, protocol.MsgUserMessage, m["type"])
}
