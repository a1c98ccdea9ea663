package handlers

import (
	"net/http"
	"time"

	"pricewatch/internal/logger"
	"pricewatch/internal/notify"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 15 * time.Second
)

// SubscribeMessage is the inbound control frame from a live subscriber.
type SubscribeMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Symbol string `json:"symbol"`
}

// StreamHandler upgrades connections and wires them into the hub. Each
// connection gets the global feed immediately; symbol rooms are joined via
// control frames. All subscription state dies with the connection.
type StreamHandler struct {
	hub      *notify.Hub
	upgrader websocket.Upgrader
}

func NewStreamHandler(hub *notify.Hub) *StreamHandler {
	return &StreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := h.hub.Register()
	defer func() {
		h.hub.Unregister(client)
		conn.Close()
	}()

	go writePump(conn, client)

	for {
		var msg SubscribeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "subscribe":
			h.hub.Subscribe(client, msg.Symbol)
		case "unsubscribe":
			h.hub.Unsubscribe(client, msg.Symbol)
		default:
			logger.Log.Warn("Unknown stream action", zap.String("action", msg.Action))
		}
	}
}

// writePump forwards hub frames to the connection and keeps it alive with
// pings. It exits when the client is unregistered or a write fails.
func writePump(conn *websocket.Conn, client *notify.Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-client.Receive():
			if !ok {
				conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
