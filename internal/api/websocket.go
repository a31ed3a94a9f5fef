package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"signal-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTopics are the bus topics fanned out to dashboard clients.
var wsTopics = []events.Event{
	events.EventSignalAccepted,
	events.EventSignalRejected,
	events.EventPositionOpened,
	events.EventPositionClosed,
	events.EventBalanceSnapshot,
	events.EventPositionSnapshot,
	events.EventCredentialChange,
}

type wsFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	out := make(chan wsFrame, 256)
	done := make(chan struct{})
	defer close(done)

	// Read pump. Clients never send frames, but reading is the only
	// way to notice a silently dropped connection between events.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, topic := range wsTopics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		go func(topic events.Event, stream <-chan any, unsub func()) {
			defer unsub()
			for {
				select {
				case <-done:
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					select {
					case out <- wsFrame{Topic: string(topic), Payload: msg}:
					case <-done:
						return
					}
				}
			}
		}(topic, stream, unsub)
	}

	for {
		select {
		case <-readClosed:
			return
		case frame := <-out:
			if err := conn.WriteJSON(frame); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}
