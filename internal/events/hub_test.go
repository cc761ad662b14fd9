package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", want, hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubBroadcastsToConnectedClients(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	hub.Publish(Event{
		Type:     TypeCallRinging,
		ClientID: "client-1",
		CallUUID: "uuid-1",
		Status:   "ringing",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TypeCallRinging || got.CallUUID != "uuid-1" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("hub must stamp events")
	}
}

func TestHubUnregistersOnClose(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestNilHubPublishIsNoop(t *testing.T) {
	var hub *Hub
	hub.Publish(Event{Type: TypeCallEnded})
	if hub.ClientCount() != 0 {
		t.Fatal("nil hub must report zero clients")
	}
}
