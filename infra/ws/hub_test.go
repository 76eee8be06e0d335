package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/notify"
	infralogger "github.com/kilianp07/ridedispatch/infra/logger"
)

type recordingHandler struct {
	mu   sync.Mutex
	cmds []messages.Command
}

func (r *recordingHandler) HandleCommand(_ context.Context, c messages.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, c)
	return nil
}

func (r *recordingHandler) snapshot() []messages.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]messages.Command(nil), r.cmds...)
}

func newTestHub(t *testing.T) (*Hub, *recordingHandler, string) {
	t.Helper()
	h := &recordingHandler{}
	hub := NewHub(Config{}, h, infralogger.NopLogger{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitConnected(t *testing.T, hub *Hub, ids ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := hub.Connected()
		if len(got) != len(ids) {
			return false
		}
		for i := range ids {
			if got[i] != ids[i] {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func readEnvelope(t *testing.T, c *websocket.Conn) messages.Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var env messages.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestNotifyDeliversToConnectedPuller(t *testing.T) {
	hub, h, base := newTestHub(t)
	c := dial(t, base+"p1")
	waitConnected(t, hub, "p1")

	require.NoError(t, hub.Notify(context.Background(), "p1", messages.Offer{RideID: "r1", EstimatedPoints: 9}))
	env := readEnvelope(t, c)
	assert.Equal(t, string(messages.KindOffer), env.Type)
	var offer messages.Offer
	require.NoError(t, json.Unmarshal(env.Data, &offer))
	assert.Equal(t, "r1", offer.RideID)

	err := hub.Notify(context.Background(), "ghost", messages.Offer{RideID: "r1"})
	assert.ErrorIs(t, err, notify.ErrNotConnected)

	cmds := h.snapshot()
	require.NotEmpty(t, cmds)
	assert.Equal(t, messages.PullerStatusUpdate{PullerID: "p1", Online: true, Active: true}, cmds[0])
}

func TestBroadcastReachesEveryone(t *testing.T) {
	hub, _, base := newTestHub(t)
	a := dial(t, base+"a")
	b := dial(t, base+"b")
	waitConnected(t, hub, "a", "b")

	require.NoError(t, hub.Broadcast(context.Background(), messages.RideExpired{RideID: "r1"}))
	assert.Equal(t, string(messages.KindRideExpired), readEnvelope(t, a).Type)
	assert.Equal(t, string(messages.KindRideExpired), readEnvelope(t, b).Type)
}

func TestInboundCommandsAreBoundToConnection(t *testing.T) {
	hub, h, base := newTestHub(t)
	c := dial(t, base+"p1")
	waitConnected(t, hub, "p1")

	frame := `{"type":"accept","data":{"ride_id":"r1","puller_id":"someone-else"}}`
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(frame)))
	require.Eventually(t, func() bool { return len(h.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, messages.Accept{RideID: "r1", PullerID: "p1"}, h.snapshot()[1])

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"pickup","data":{}}`)))
	env := readEnvelope(t, c)
	assert.Equal(t, string(messages.KindRequestFailed), env.Type)
	assert.Len(t, h.snapshot(), 2)
}

func TestReconnectReplacesAndDisconnectReportsOffline(t *testing.T) {
	hub, h, base := newTestHub(t)
	first := dial(t, base+"p1")
	waitConnected(t, hub, "p1")
	second := dial(t, base+"p1")

	// the first socket is closed by the hub
	_ = first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	waitConnected(t, hub, "p1")

	require.NoError(t, hub.Notify(context.Background(), "p1", messages.RejectConfirmed{RideID: "r1", PullerID: "p1"}))
	assert.Equal(t, string(messages.KindRejectConfirmed), readEnvelope(t, second).Type)

	require.NoError(t, second.Close())
	waitConnected(t, hub)
	require.Eventually(t, func() bool {
		cmds := h.snapshot()
		last, ok := cmds[len(cmds)-1].(messages.PullerStatusUpdate)
		return ok && !last.Online
	}, time.Second, 5*time.Millisecond)
	offline := 0
	for _, c := range h.snapshot() {
		if s, ok := c.(messages.PullerStatusUpdate); ok && !s.Online {
			offline++
		}
	}
	assert.Equal(t, 1, offline, "replacing a connection must not report the puller offline")
}

func TestEnqueueFullQueue(t *testing.T) {
	hub := NewHub(Config{SendQueue: 1}, nil, infralogger.NopLogger{})
	c := &Conn{hub: hub, send: make(chan []byte, 1), done: make(chan struct{})}
	require.NoError(t, c.enqueue([]byte("a")))
	assert.ErrorIs(t, c.enqueue([]byte("b")), ErrSlowConsumer)
}
