package feed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialTestConn upgrades a real WebSocket pair and returns the server side
// plus the client side for reading.
func dialTestConn(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-connCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server conn")
	}
	return server, client
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHub_BroadcastDelivers(t *testing.T) {
	h := NewHub()
	go h.Run()

	server, client := dialTestConn(t)
	h.register <- server
	waitFor(t, func() bool { return h.clientCount() == 1 }, "client never registered")

	h.Broadcast(Message{Type: "market_settled", Scope: "cricket:MATCH:evt-1:match_odds"})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(data), "market_settled") {
		t.Errorf("unexpected payload: %s", data)
	}
}

func TestHub_EvictsDeadClientOnBroadcast(t *testing.T) {
	h := NewHub()
	go h.Run()

	server, client := dialTestConn(t)
	h.register <- server
	waitFor(t, func() bool { return h.clientCount() == 1 }, "client never registered")

	// A closed server conn makes the next broadcast write fail, which must
	// drop the client from the set.
	server.Close()
	client.Close()
	h.Broadcast(Message{Type: "wager_placed", Scope: "cricket:MATCH:evt-1:match_odds"})

	waitFor(t, func() bool { return h.clientCount() == 0 }, "dead client never evicted")
}

func TestHub_UnregisterRemovesClient(t *testing.T) {
	h := NewHub()
	go h.Run()

	server, _ := dialTestConn(t)
	h.register <- server
	waitFor(t, func() bool { return h.clientCount() == 1 }, "client never registered")

	h.unregister <- server
	waitFor(t, func() bool { return h.clientCount() == 0 }, "client never unregistered")
}
