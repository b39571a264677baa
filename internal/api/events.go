package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"tsbridge/internal/auth"
	"tsbridge/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBacklog    = 50
)

// EventsHandler handles event log endpoints
type EventsHandler struct {
	store        *events.Store
	wsTokenStore *auth.WSTokenStore
	upgrader     websocket.Upgrader
}

// NewEventsHandler creates new events handler
func NewEventsHandler(store *events.Store, wsTokenStore *auth.WSTokenStore) *EventsHandler {
	h := &EventsHandler{store: store, wsTokenStore: wsTokenStore}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin requires a one-time token from /api/auth/ws-token
// so other sites cannot open the stream with the user's cookie
func (h *EventsHandler) checkOrigin(r *http.Request) bool {
	token := r.URL.Query().Get("ws_token")
	if token == "" {
		log.Printf("WebSocket rejected: missing ws_token")
		return false
	}
	if _, valid := h.wsTokenStore.Validate(token); !valid {
		log.Printf("WebSocket rejected: invalid or expired ws_token")
		return false
	}
	return true
}

// List returns events from the store
// GET /api/events?limit=50&since=123&type=upload_failed
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		if sinceID, err := strconv.ParseInt(sinceStr, 10, 64); err == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"events": h.store.GetSince(sinceID),
				"lastId": h.store.LastID(),
			})
			return
		}
	}

	limit := queryInt(r, "limit", 50, 100)

	var list []events.Event
	if types := r.URL.Query()["type"]; len(types) > 0 {
		filter := make([]events.EventType, 0, len(types))
		for _, t := range types {
			filter = append(filter, events.EventType(t))
		}
		list = h.store.Filter(limit, filter...)
	} else {
		list = h.store.GetLast(limit)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": list,
		"lastId": h.store.LastID(),
	})
}

// Stream sends recent events, then every new event as a JSON text message
// GET /api/events/ws?ws_token=...
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sub, cancel := h.store.Subscribe(64)
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// the reader only handles pongs and notices the client going away
	done := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	backlog := h.store.GetLast(wsBacklog)
	for i := len(backlog) - 1; i >= 0; i-- {
		if err := writeEvent(conn, backlog[i]); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if err := writeEvent(conn, e); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(e)
}
