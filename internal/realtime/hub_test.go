package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type harness struct {
	hub    *Hub
	server *httptest.Server
	joined chan *Connection
}

// newHarness serves a websocket endpoint that binds every accepted socket to
// the room named by the "room" query parameter and the user in "user".
func newHarness(t *testing.T, hub *Hub, buffer int) *harness {
	t.Helper()
	h := &harness{hub: hub, joined: make(chan *Connection, 16)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		uid := uuid.MustParse(r.URL.Query().Get("user"))
		c := NewConnection(ws, uid, "tester", ConnOptions{SendBuffer: buffer})
		c.Start()
		room := r.URL.Query().Get("room")
		hub.Join(room, c)
		h.joined <- c
		go func() {
			defer hub.Leave(room, c)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					c.Close(websocket.CloseNormalClosure, "")
					return
				}
			}
		}()
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) dial(t *testing.T, room string, user uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?room=" + room + "&user=" + user.String()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	select {
	case <-h.joined:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never joined")
	}
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := ws.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %s", data)
	}
}

func TestHubPublishReachesRoomOnly(t *testing.T) {
	hub := NewHub(nil)
	h := newHarness(t, hub, 8)

	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	a := h.dial(t, "thread:1", alice)
	b := h.dial(t, "thread:1", bob)
	c := h.dial(t, "thread:2", carol)

	if got := hub.Count("thread:1"); got != 2 {
		t.Fatalf("room size %d", got)
	}
	if err := hub.Publish(context.Background(), "thread:1", []byte(`{"hello":1}`), uuid.Nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := readText(t, a); got != `{"hello":1}` {
		t.Fatalf("alice got %s", got)
	}
	if got := readText(t, b); got != `{"hello":1}` {
		t.Fatalf("bob got %s", got)
	}
	expectSilence(t, c)
}

func TestHubExcludesOriginatingUser(t *testing.T) {
	hub := NewHub(nil)
	h := newHarness(t, hub, 8)

	alice, bob := uuid.New(), uuid.New()
	a1 := h.dial(t, "group:g", alice)
	a2 := h.dial(t, "group:g", alice)
	b := h.dial(t, "group:g", bob)

	if err := hub.Publish(context.Background(), "group:g", []byte(`typing`), alice); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := readText(t, b); got != "typing" {
		t.Fatalf("bob got %s", got)
	}
	expectSilence(t, a1)
	expectSilence(t, a2)
}

func TestHubLeaveDropsEmptyRoom(t *testing.T) {
	hub := NewHub(nil)
	h := newHarness(t, hub, 8)

	ws := h.dial(t, "thread:x", uuid.New())
	_ = ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count("thread:x") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection still registered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.room("thread:x") != nil {
		t.Fatal("empty room retained")
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	h := newHarness(t, hub, 8)

	ws := h.dial(t, "thread:y", uuid.New())
	r := hub.room("thread:y")
	var conn *Connection
	r.mu.RLock()
	for _, c := range r.conns {
		conn = c
	}
	r.mu.RUnlock()

	conn.Close(4003, "not a participant")
	conn.Close(4000, "again")

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != 4003 {
		t.Fatalf("close error = %v", err)
	}
	if err := conn.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v", err)
	}
}

func TestHubCloseTerminatesConnections(t *testing.T) {
	hub := NewHub(nil)
	h := newHarness(t, hub, 8)
	ws := h.dial(t, "group:z", uuid.New())

	hub.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestRedisBrokerFanOut(t *testing.T) {
	url := os.Getenv("CHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CHAT_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := "chatcore:test:" + uuid.NewString()
	pub, err := NewRedisBroker(ctx, url, channel)
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	sub, err := NewRedisBroker(ctx, url, channel)
	if err != nil {
		t.Fatalf("broker: %v", err)
	}

	// Two hubs sharing a channel model two server instances.
	sender := NewHub(pub)
	receiver := NewHub(sub)
	go func() { _ = receiver.Run(ctx) }()
	t.Cleanup(sender.Close)
	t.Cleanup(receiver.Close)

	h := newHarness(t, receiver, 8)
	ws := h.dial(t, "thread:r", uuid.New())

	// The subscription may still be settling; retry publish until a frame lands.
	got := make(chan string, 1)
	go func() {
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, data, err := ws.ReadMessage(); err == nil {
			got <- string(data)
		}
	}()
	for i := 0; i < 50; i++ {
		if err := sender.Publish(ctx, "thread:r", []byte(`"relayed"`), uuid.Nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case v := <-got:
			if v != `"relayed"` {
				t.Fatalf("payload %s", v)
			}
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("relayed envelope never delivered")
}
