package notify

import (
	"encoding/json"
	"sync"

	"pricewatch/internal/logger"
	"pricewatch/internal/models"

	"go.uber.org/zap"
)

// Envelope frames every message pushed to live subscribers.
type Envelope struct {
	Type   string      `json:"type"`
	Symbol string      `json:"symbol,omitempty"`
	Data   interface{} `json:"data"`
}

const (
	// TypePrices carries the full snapshot batch of one tick (global feed).
	TypePrices = "prices"
	// TypeSymbolPrice carries one snapshot, delivered to that symbol's room.
	TypeSymbolPrice = "symbol_price"
	// TypeAlert carries a triggered alert event (global feed).
	TypeAlert = "alert"
	// TypeSymbolAlert carries a triggered alert, delivered to the room.
	TypeSymbolAlert = "symbol_alert"
)

// Client is one live subscriber connection. Messages arrive on Receive;
// slow clients drop messages rather than stall the broadcast.
type Client struct {
	send chan []byte
}

// Receive returns the channel of outbound frames for this client. The
// channel is closed when the client is unregistered.
func (c *Client) Receive() <-chan []byte {
	return c.send
}

// Hub fans out snapshots and alert events to live subscribers. Every
// client gets the global feed; clients may additionally join per-symbol
// rooms. Subscription state is connection-scoped.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
	}
}

// Register adds a new subscriber and returns its client handle.
func (h *Hub) Register() *Client {
	c := &Client{send: make(chan []byte, 16)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	logger.Log.Info("Subscriber connected", zap.Int("total_clients", count))
	return c
}

// Unregister removes a subscriber, discarding its room memberships.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for symbol, room := range h.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, symbol)
		}
	}
	count := len(h.clients)
	h.mu.Unlock()

	close(c.send)
	logger.Log.Info("Subscriber disconnected", zap.Int("total_clients", count))
}

// Subscribe joins a client to a symbol room. Idempotent.
func (h *Hub) Subscribe(c *Client, symbol string) {
	symbol = models.CanonicalSymbol(symbol)
	if symbol == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	room, ok := h.rooms[symbol]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[symbol] = room
	}
	room[c] = struct{}{}
}

// Unsubscribe removes a client from a symbol room. Idempotent.
func (h *Hub) Unsubscribe(c *Client, symbol string) {
	symbol = models.CanonicalSymbol(symbol)
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[symbol]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, symbol)
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastSnapshots delivers one tick's snapshots: the full batch to
// every client, plus each symbol's snapshot to its room subscribers.
func (h *Hub) BroadcastSnapshots(snaps []models.PriceSnapshot) {
	if len(snaps) == 0 {
		return
	}
	global, err := json.Marshal(Envelope{Type: TypePrices, Data: snaps})
	if err != nil {
		logger.Log.Error("Failed to marshal snapshot batch", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		h.deliver(c, global)
	}
	for _, snap := range snaps {
		room, ok := h.rooms[snap.Symbol]
		if !ok {
			continue
		}
		frame, err := json.Marshal(Envelope{Type: TypeSymbolPrice, Symbol: snap.Symbol, Data: snap})
		if err != nil {
			continue
		}
		for c := range room {
			h.deliver(c, frame)
		}
	}
}

// BroadcastAlert delivers a triggered alert globally and to the symbol's
// room subscribers.
func (h *Hub) BroadcastAlert(ev models.AlertEvent) {
	global, err := json.Marshal(Envelope{Type: TypeAlert, Data: ev})
	if err != nil {
		logger.Log.Error("Failed to marshal alert event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		h.deliver(c, global)
	}
	room, ok := h.rooms[models.CanonicalSymbol(ev.Symbol)]
	if !ok {
		return
	}
	frame, err := json.Marshal(Envelope{Type: TypeSymbolAlert, Symbol: ev.Symbol, Data: ev})
	if err != nil {
		return
	}
	for c := range room {
		h.deliver(c, frame)
	}
}

// deliver is a non-blocking send; the caller holds h.mu.
func (h *Hub) deliver(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		logger.Log.Warn("Message dropped due to slow client")
	}
}
