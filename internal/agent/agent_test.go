package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NowakAdmin/SerialLink/internal/config"
	"github.com/NowakAdmin/SerialLink/internal/frame"
	"github.com/NowakAdmin/SerialLink/internal/link"
	"github.com/NowakAdmin/SerialLink/internal/metrics"
	"github.com/NowakAdmin/SerialLink/internal/router"
)

type fakeLink struct {
	mu       sync.Mutex
	state    link.State
	commands []string
	handlers []func(link.Transition)
	router   *router.Router
}

func newFakeLink() *fakeLink {
	return &fakeLink{state: link.Connected, router: router.New(nil, zerolog.Nop())}
}

func (f *fakeLink) Status() link.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return link.Status{State: f.state, Snapshot: f.router.Store().Latest()}
}

func (f *fakeLink) IssueCommand(text string) link.DispatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != link.Connected {
		return link.DispatchResult{Reason: link.ReasonNotConnected, IssuedAt: time.Now()}
	}
	f.commands = append(f.commands, text)
	return link.DispatchResult{Accepted: true, Sent: link.Split(text, ";"), IssuedAt: time.Now()}
}

func (f *fakeLink) Subscribe(fn func(router.Update)) *router.Subscription {
	return f.router.Subscribe(fn)
}

func (f *fakeLink) OnStateChange(fn func(link.Transition)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fn)
}

func (f *fakeLink) setState(to link.State) {
	f.mu.Lock()
	from := f.state
	f.state = to
	handlers := append([]func(link.Transition){}, f.handlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(link.Transition{From: from, To: to, Reason: "test", At: time.Now()})
	}
}

type upstream struct {
	server      *httptest.Server
	conns       chan *websocket.Conn
	connections atomic.Int32
	authHeader  atomic.Value
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()

	u := &upstream{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.authHeader.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.connections.Add(1)
		u.conns <- conn
	}))
	t.Cleanup(u.server.Close)

	return u
}

func (u *upstream) url() string {
	return "ws" + strings.TrimPrefix(u.server.URL, "http")
}

func (u *upstream) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-u.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not connect")
		return nil
	}
}

// readType reads messages until one of the wanted type arrives.
func readType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == want {
			return msg
		}
	}
}

func startAgent(t *testing.T, url string, l Link) *Agent {
	t.Helper()

	a := New(config.UplinkConfig{
		Enabled:          true,
		WebSocketURL:     url,
		Token:            "tok-123",
		DeviceName:       "feeder-1",
		HeartbeatSeconds: 60,
	}, l, zerolog.Nop(), metrics.New())

	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)

	return a
}

func TestAgentAuthAndCommand(t *testing.T) {
	up := newUpstream(t)
	fake := newFakeLink()
	startAgent(t, up.url(), fake)

	conn := up.accept(t)
	auth := readType(t, conn, "auth")
	assert.Equal(t, "feeder-1", auth["agent_id"])
	assert.Equal(t, "connected", auth["status"])
	assert.Equal(t, "Bearer tok-123", up.authHeader.Load())

	require.NoError(t, conn.WriteJSON(IncomingMessage{Type: "command", JobID: "j1", Command: "R:1;G:2"}))
	result := readType(t, conn, "command_result")
	assert.Equal(t, "j1", result["job_id"])
	assert.Equal(t, "completed", result["status"])
	data := result["data"].(map[string]any)
	assert.Equal(t, []any{"R:1", "G:2"}, data["sent"])

	payload, _ := json.Marshal(map[string]string{"command": "FEED:100"})
	require.NoError(t, conn.WriteJSON(IncomingMessage{Type: "command", JobID: "j2", Payload: payload}))
	readType(t, conn, "command_result")

	fake.mu.Lock()
	assert.Equal(t, []string{"R:1;G:2", "FEED:100"}, fake.commands)
	fake.mu.Unlock()

	require.NoError(t, conn.WriteJSON(IncomingMessage{Type: "ping", JobID: "p1"}))
	pong := readType(t, conn, "pong")
	assert.Equal(t, "p1", pong["job_id"])
}

func TestAgentReportsRejectedCommand(t *testing.T) {
	up := newUpstream(t)
	fake := newFakeLink()
	fake.state = link.Degraded
	startAgent(t, up.url(), fake)

	conn := up.accept(t)
	readType(t, conn, "auth")

	require.NoError(t, conn.WriteJSON(IncomingMessage{Type: "command", JobID: "j1", Command: "R:1"}))
	result := readType(t, conn, "command_result")
	assert.Equal(t, "failed", result["status"])
	assert.Equal(t, link.ReasonNotConnected, result["error"])
}

func TestAgentPushesTelemetryAndStatus(t *testing.T) {
	up := newUpstream(t)
	fake := newFakeLink()
	startAgent(t, up.url(), fake)

	conn := up.accept(t)
	readType(t, conn, "auth")

	fake.router.Route(frame.Frame{Seq: 4, Kind: frame.KindPayload, Payload: map[string]any{
		"t":       3.0,
		"sensors": map[string]any{"HX711": map[string]any{"weight": map[string]any{"value": 1.5, "unit": "kg"}}},
	}})

	msg := readType(t, conn, "telemetry")
	data := msg["data"].(map[string]any)
	assert.EqualValues(t, 4, data["seq"])
	fields := data["fields"].(map[string]any)
	assert.Contains(t, fields, "HX711.weight")

	fake.setState(link.Degraded)
	status := readType(t, conn, "status")
	assert.Equal(t, "degraded", status["status"])
	assert.Equal(t, "connected", status["data"].(map[string]any)["from"])

	require.NoError(t, conn.WriteJSON(IncomingMessage{Type: "snapshot", JobID: "s1"}))
	snap := readType(t, conn, "snapshot")
	assert.Equal(t, "degraded", snap["status"])
}

func TestAgentReconnectsAfterDrop(t *testing.T) {
	up := newUpstream(t)
	a := startAgent(t, up.url(), newFakeLink())

	first := up.accept(t)
	readType(t, first, "auth")
	require.NoError(t, first.Close())

	second := up.accept(t)
	readType(t, second, "auth")
	assert.EqualValues(t, 2, up.connections.Load())
	assert.True(t, a.IsRunning())
}

func TestAgentWithoutURLIdles(t *testing.T) {
	a := New(config.UplinkConfig{}, newFakeLink(), zerolog.Nop(), nil)
	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.IsRunning())

	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop blocked")
	}
	assert.False(t, a.IsRunning())
}

func TestCommandText(t *testing.T) {
	assert.Equal(t, "A:1", commandText(IncomingMessage{Command: "A:1"}))
	assert.Equal(t, "B:2", commandText(IncomingMessage{Payload: json.RawMessage(`{"command":"B:2"}`)}))
	assert.Equal(t, "", commandText(IncomingMessage{Payload: json.RawMessage(`[1]`)}))
}
