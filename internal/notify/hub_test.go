package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/telepy/telepy/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hubServer upgrades each request and attaches it to the hub
func hubServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		h.Attach(conn, "test-user")
	}))
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected %d clients, have %d", n, h.ClientCount())
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h := NewHub(zerolog.Nop())
	h.Start()
	defer h.Stop()

	srv := hubServer(t, h)
	defer srv.Close()

	first := dialHub(t, srv)
	defer first.Close()
	second := dialHub(t, srv)
	defer second.Close()
	waitForClients(t, h, 2)

	h.Broadcast(types.Event{
		Action:  types.ActionUpdatedTunnels,
		Details: "Tunnel list changed",
	})

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var event types.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("ReadJSON failed: %v", err)
		}
		if event.Action != types.ActionUpdatedTunnels {
			t.Errorf("Expected action %s, got %s", types.ActionUpdatedTunnels, event.Action)
		}
		if event.Details != "Tunnel list changed" {
			t.Errorf("Unexpected details %q", event.Details)
		}
	}
}

func TestClientDisconnectUnregisters(t *testing.T) {
	h := NewHub(zerolog.Nop())
	h.Start()
	defer h.Stop()

	srv := hubServer(t, h)
	defer srv.Close()

	conn := dialHub(t, srv)
	waitForClients(t, h, 1)

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.ClientCount() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if h.ClientCount() != 0 {
		t.Errorf("Expected 0 clients after disconnect, have %d", h.ClientCount())
	}
}

func TestBroadcastWithNoClientsDoesNotBlock(t *testing.T) {
	h := NewHub(zerolog.Nop())
	h.Start()
	defer h.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Broadcast(types.Event{Action: types.ActionUpdateTunnelStatus})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcast blocked with no clients connected")
	}
}

func TestEventDataPayload(t *testing.T) {
	h := NewHub(zerolog.Nop())
	h.Start()
	defer h.Stop()

	srv := hubServer(t, h)
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()
	waitForClients(t, h, 1)

	h.Broadcast(types.Event{
		Action: types.ActionUpdateTunnelStatusData,
		Data:   []int{2345, 2346},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event struct {
		Action string `json:"action"`
		Data   []int  `json:"data"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if len(event.Data) != 2 || event.Data[0] != 2345 {
		t.Errorf("Unexpected data payload %v", event.Data)
	}
}

// A client unwinding after Stop must not hang on the unregister channel,
// which nobody drains once the run loop has exited.
func TestReadPumpExitsAfterStop(t *testing.T) {
	h := NewHub(zerolog.Nop())
	h.Stop()

	serverConn := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		serverConn <- conn
	}))
	defer srv.Close()

	client := dialHub(t, srv)
	conn := <-serverConn

	c := &Client{hub: h, conn: conn, send: make(chan types.Event, 1), userID: "test-user"}
	done := make(chan struct{})
	go func() {
		c.readPump()
		close(done)
	}()

	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readPump did not exit after hub stop")
	}
}

func TestAttachAfterStopClosesConnection(t *testing.T) {
	h := NewHub(zerolog.Nop())
	h.Start()
	h.Stop()

	srv := hubServer(t, h)
	defer srv.Close()

	client := dialHub(t, srv)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed after hub stop")
	}
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", h.ClientCount())
	}
}
