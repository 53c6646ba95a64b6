// Package wshub implements the Live Status Hub (spec.md SPEC_FULL.md §3.2):
// a gorilla/websocket endpoint that rebroadcasts internal/events.Bus
// traffic (execution results, safety pauses, reconciliation reports) to
// connected desktop-shell clients. Grounded on the teacher's
// internal/api.websocket handler, generalized from the teacher's single
// EventPriceTick subscription into a multi-topic fan-out since the desktop
// shell needs all five topics on one connection rather than one per topic.
package wshub

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"saturn-copier/internal/events"
)

var topics = []events.Event{
	events.EventExecutionRecorded,
	events.EventExecutionBlocked,
	events.EventSafetyPaused,
	events.EventSafetyUnpaused,
	events.EventReconciliationReport,
}

var upgrader = websocket.Upgrader{
	// The Local Control API and this hub are loopback-only; CheckOrigin is
	// intentionally permissive since the real trust boundary is the bind
	// address, not the browser Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope is the wire shape pushed to each connected client: the topic
// name alongside whatever payload the producer published.
type envelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Hub rebroadcasts Bus events over websocket connections.
type Hub struct {
	Bus *events.Bus
}

// New builds a Hub over the given event bus.
func New(bus *events.Bus) *Hub {
	return &Hub{Bus: bus}
}

// Handler is the gin handler to register at the control API's /ws route.
func (h *Hub) Handler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("wshub: upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if h.Bus == nil {
		_ = conn.WriteJSON(envelope{Topic: "error", Payload: "event bus not ready"})
		return
	}

	merged := make(chan envelope, 256)
	unsubs := make([]func(), 0, len(topics))
	for _, topic := range topics {
		stream, unsub := h.Bus.Subscribe(topic, 64)
		unsubs = append(unsubs, unsub)
		go func(topic events.Event, stream <-chan any) {
			for payload := range stream {
				select {
				case merged <- envelope{Topic: string(topic), Payload: payload}:
				default:
					// client too slow for this message; drop rather than block producers
				}
			}
		}(topic, stream)
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	// Drain client reads so a dead connection is detected even though this
	// hub never expects client-originated messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-merged:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
