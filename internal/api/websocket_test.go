package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"signal-core/internal/events"
)

func TestWebsocketFansOutBusEvents(t *testing.T) {
	srv, _ := setupServer(t)
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription races the dial; give the handler a moment.
	time.Sleep(50 * time.Millisecond)
	srv.Bus.Publish(events.EventSignalAccepted, events.SignalOutcome{
		UserID: "user-a", Kind: "SINAL_LONG", Symbol: "BTCUSDT", Accepted: true,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Topic != string(events.EventSignalAccepted) {
		t.Errorf("topic = %q, want %q", frame.Topic, events.EventSignalAccepted)
	}
}

func TestWebsocketDetectsDroppedClient(t *testing.T) {
	srv, _ := setupServer(t)
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// Drop the client without a close handshake and with no events
	// flowing. The read pump must notice and release the handler's
	// bus subscriptions.
	conn.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("handler kept its subscriptions after the client vanished")
		default:
		}
		// Publish into a full-speed loop; once the handler is gone its
		// subscriber channels are closed and publishing is a no-op to
		// zero subscribers.
		if srv.Bus.SubscriberCount(events.EventSignalAccepted) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}
