package collector

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolwatch/toolwatch/internal/event"
	"github.com/toolwatch/toolwatch/internal/store"
)

func newTestHub(t *testing.T) (*Hub, *store.SQLiteStore, *httptest.Server) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := NewHub(st)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	return hub, st, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readPendingFrame(t *testing.T, conn *websocket.Conn) pendingMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg pendingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	return msg
}

func TestHubSendsPendingListOnConnect(t *testing.T) {
	_, st, srv := newTestHub(t)

	ev := &event.ToolCallEvent{ToolCallID: "tc-1", Timestamp: time.Now(), User: "amy", Tool: "bash"}
	if err := st.InsertCall(ev, event.StatusPending, ""); err != nil {
		t.Fatal(err)
	}

	conn := dialHub(t, srv)

	msg := readPendingFrame(t, conn)
	if msg.Type != "pending" {
		t.Errorf("frame type = %q", msg.Type)
	}
	if len(msg.Pending) != 1 || msg.Pending[0].ToolCallID != "tc-1" {
		t.Errorf("pending = %+v", msg.Pending)
	}
}

func TestHubBroadcastReachesAllClients(t *testing.T) {
	hub, st, srv := newTestHub(t)

	c1 := dialHub(t, srv)
	c2 := dialHub(t, srv)
	readPendingFrame(t, c1)
	readPendingFrame(t, c2)

	waitForClients(t, hub, 2)

	ev := &event.ToolCallEvent{ToolCallID: "tc-1", Timestamp: time.Now(), User: "amy", Tool: "bash"}
	if err := st.InsertCall(ev, event.StatusPending, ""); err != nil {
		t.Fatal(err)
	}
	pending, err := st.PendingApprovals()
	if err != nil {
		t.Fatal(err)
	}
	hub.BroadcastPending(pending)

	for _, conn := range []*websocket.Conn{c1, c2} {
		msg := readPendingFrame(t, conn)
		if len(msg.Pending) != 1 || msg.Pending[0].ToolCallID != "tc-1" {
			t.Errorf("pending = %+v", msg.Pending)
		}
	}
}

func TestHubEmptyPendingSerializesAsArray(t *testing.T) {
	_, _, srv := newTestHub(t)

	conn := dialHub(t, srv)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !strings.Contains(string(data), `"pending":[]`) {
		t.Errorf("frame = %s, want empty array", data)
	}
}

func TestHubRemovesDisconnectedClients(t *testing.T) {
	hub, _, srv := newTestHub(t)

	conn := dialHub(t, srv)
	readPendingFrame(t, conn)
	waitForClients(t, hub, 1)

	_ = conn.Close()
	waitForClients(t, hub, 0)
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", hub.ClientCount(), n)
}
