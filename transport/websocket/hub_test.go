package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wricardo/dscars/game/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewHub(t *testing.T) {
	hub := NewHub(discardLogger())

	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.topics == nil {
		t.Error("Hub topics map is nil")
	}
	if hub.broadcast == nil {
		t.Error("Hub broadcast channel is nil")
	}
	if hub.register == nil || hub.unregister == nil {
		t.Error("Hub register channels are nil")
	}

	// A nil logger falls back to the default one
	if NewHub(nil).logger == nil {
		t.Error("Hub logger is nil")
	}
}

func TestMatchTopic(t *testing.T) {
	if got := MatchTopic(7); got != "match:7" {
		t.Errorf("Expected match:7, got %s", got)
	}
}

func TestHubRegisterClient(t *testing.T) {
	hub := NewHub(discardLogger())

	client := &Client{hub: hub, topic: TopicAll, send: make(chan []byte, 256)}
	hub.registerClient(client)

	if _, exists := hub.topics[TopicAll]; !exists {
		t.Fatal("Topic was not created")
	}
	if !hub.topics[TopicAll][client] {
		t.Error("Client was not registered in topic")
	}
}

func TestHubUnregisterClient(t *testing.T) {
	hub := NewHub(discardLogger())

	client := &Client{hub: hub, topic: "match:1", send: make(chan []byte, 256)}
	hub.registerClient(client)
	hub.unregisterClient(client)

	if _, exists := hub.topics["match:1"]; exists {
		t.Error("Empty topic was not cleaned up")
	}

	// The send channel is closed on unregister
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("Client send channel should be closed")
		}
	default:
		t.Error("Client send channel should be closed")
	}

	// Unregistering twice must not panic on a closed channel
	hub.unregisterClient(client)
}

func TestHubBroadcastMessage(t *testing.T) {
	hub := NewHub(discardLogger())

	all := &Client{hub: hub, topic: TopicAll, send: make(chan []byte, 256)}
	match := &Client{hub: hub, topic: MatchTopic(1), send: make(chan []byte, 256)}
	other := &Client{hub: hub, topic: MatchTopic(2), send: make(chan []byte, 256)}
	hub.registerClient(all)
	hub.registerClient(match)
	hub.registerClient(other)

	event := server.Event{Type: server.EventMatchStarted, MatchID: 1, MapName: "Easy"}
	hub.broadcastMessage(&Message{Topic: TopicAll, Event: &event})
	hub.broadcastMessage(&Message{Topic: MatchTopic(1), Event: &event})

	for _, client := range []*Client{all, match} {
		select {
		case data := <-client.send:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("Failed to decode broadcast: %v", err)
			}
			if msg.Event == nil || msg.Event.Type != server.EventMatchStarted || msg.Event.MapName != "Easy" {
				t.Errorf("Unexpected message on %s: %s", client.topic, data)
			}
		default:
			t.Errorf("Client on %s did not receive the event", client.topic)
		}
	}

	select {
	case data := <-other.send:
		t.Errorf("Client on another match received %s", data)
	default:
	}
}

func TestHubBroadcastDropsSlowClient(t *testing.T) {
	hub := NewHub(discardLogger())

	slow := &Client{hub: hub, topic: TopicAll, send: make(chan []byte)}
	hub.registerClient(slow)

	hub.broadcastMessage(&Message{Topic: TopicAll, Event: &server.Event{Type: server.EventServerUp}})

	if _, exists := hub.topics[TopicAll]; exists {
		t.Error("A client that cannot keep up should be unregistered")
	}
}

func TestHubNotify(t *testing.T) {
	hub := NewHub(discardLogger())

	hub.Notify(server.Event{Type: server.EventMatchCreated, MatchID: 3})
	hub.Notify(server.Event{Type: server.EventServerUp})

	var topics []string
	for len(hub.broadcast) > 0 {
		msg := <-hub.broadcast
		topics = append(topics, msg.Topic)
	}

	want := []string{TopicAll, "match:3", TopicAll}
	if strings.Join(topics, ",") != strings.Join(want, ",") {
		t.Errorf("Expected topics %v, got %v", want, topics)
	}
}

func TestHubNotifyNeverBlocks(t *testing.T) {
	hub := NewHub(discardLogger())

	done := make(chan struct{})
	go func() {
		// Nobody drains the hub
		for i := 0; i < broadcastBuffer*2; i++ {
			hub.Notify(server.Event{Type: server.EventSessionOpened})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full hub")
	}
	if len(hub.broadcast) != broadcastBuffer {
		t.Errorf("Expected a full buffer of %d, got %d", broadcastBuffer, len(hub.broadcast))
	}
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()

	hub := NewHub(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			topic = TopicAll
		}
		hub.ServeWS(w, r, topic)
	}))

	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return hub, ts
}

func dialMonitor(t *testing.T, ts *httptest.Server, topic string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?topic=" + topic
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial monitor: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount(context.Background()) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected %d monitor clients, got %d", want, hub.ClientCount(context.Background()))
}

func TestServeWS(t *testing.T) {
	hub, ts := startHub(t)

	conn := dialMonitor(t, ts, "match:5")
	waitForClients(t, hub, 1)

	hub.Notify(server.Event{Type: server.EventPlayerLeft, MatchID: 5, Slot: 2})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	if msg.Topic != "match:5" {
		t.Errorf("Expected topic match:5, got %s", msg.Topic)
	}
	if msg.Event == nil || msg.Event.Type != server.EventPlayerLeft || msg.Event.Slot != 2 {
		t.Errorf("Unexpected event %+v", msg.Event)
	}
}

func TestServeWS_Disconnect(t *testing.T) {
	hub, ts := startHub(t)

	conn := dialMonitor(t, ts, TopicAll)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHubRun_Cancel(t *testing.T) {
	hub := NewHub(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if n := hub.ClientCount(context.Background()); n != 0 {
		t.Errorf("Expected 0 clients after stop, got %d", n)
	}
}
