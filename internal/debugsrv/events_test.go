package debugsrv

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alivehq/agentpool/internal/events"
	"github.com/alivehq/agentpool/internal/events/bus"
)

func dialEvents(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/debug/pool/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial event tail: %v", err)
	}
	return conn
}

// publishUntilStopped fires worker:ready events until told to stop. The tail
// handler installs its bus subscription after the upgrade completes, so the
// first frame can only arrive once that subscription exists.
func publishUntilStopped(b bus.EventBus, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			ev := bus.NewEvent(events.WorkerReady, "pool", map[string]interface{}{"worker_id": "w-1"})
			_ = b.Publish(context.Background(), events.SubjectFor(events.WorkerReady), ev)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestEventTailStreamsPoolEvents(t *testing.T) {
	log := newTestLogger()
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	s := NewServer("127.0.0.1:0", &fakePool{}, eventBus, log)
	server := httptest.NewServer(s.Router())
	defer server.Close()

	conn := dialEvents(t, server)
	defer conn.Close()

	stop := make(chan struct{})
	go publishUntilStopped(eventBus, stop)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	close(stop)
	if err != nil {
		t.Fatalf("failed to read event frame: %v", err)
	}

	var got bus.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("failed to parse event frame: %v", err)
	}
	if got.Type != events.WorkerReady {
		t.Errorf("expected type %s, got %s", events.WorkerReady, got.Type)
	}
	if got.Data["worker_id"] != "w-1" {
		t.Errorf("expected worker_id w-1, got %v", got.Data["worker_id"])
	}
	if got.ID == "" {
		t.Error("expected event ID to survive the trip")
	}
}

func TestEventTailPreservesOrder(t *testing.T) {
	log := newTestLogger()
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	s := NewServer("127.0.0.1:0", &fakePool{}, eventBus, log)
	server := httptest.NewServer(s.Router())
	defer server.Close()

	conn := dialEvents(t, server)
	defer conn.Close()

	// Read one sync frame so the sequence below is published against a live
	// subscription.
	stop := make(chan struct{})
	go publishUntilStopped(eventBus, stop)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	close(stop)
	if err != nil {
		t.Fatalf("failed to read sync frame: %v", err)
	}

	sequence := []string{events.WorkerSpawned, events.WorkerBusy, events.RequestCompleted}
	for _, eventType := range sequence {
		ev := bus.NewEvent(eventType, "pool", nil)
		if err := eventBus.Publish(context.Background(), events.SubjectFor(eventType), ev); err != nil {
			t.Fatalf("failed to publish %s: %v", eventType, err)
		}
	}

	var got []string
	for len(got) < len(sequence) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read event frame: %v", err)
		}
		var ev bus.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("failed to parse event frame: %v", err)
		}
		if ev.Type == events.WorkerReady {
			// Stray sync frames from the publisher goroutine.
			continue
		}
		got = append(got, ev.Type)
	}
	for i, eventType := range sequence {
		if got[i] != eventType {
			t.Fatalf("expected event %d to be %s, got %s (all: %v)", i, eventType, got[i], got)
		}
	}
}
