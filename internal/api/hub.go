package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/volatility-desk/trading-agent/internal/events"
)

// MessageType labels outbound broadcast frames.
type MessageType string

const (
	MsgTypeTradeOpen     MessageType = "trade_open"
	MsgTypeTradeClose    MessageType = "trade_close"
	MsgTypeBalanceChange MessageType = "balance_change"
	MsgTypeStatusChange  MessageType = "status_change"
	MsgTypeRiskAlert     MessageType = "risk_alert"
)

// WSMessage is one broadcast frame.
type WSMessage struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

const (
	writeWait      = 10 * time.Second
	clientSendBuf  = 64
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 1024
)

// client is one connected broadcast subscriber.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans agent events out to connected WebSocket clients. Delivery is
// fire and forget: a client that cannot keep up is dropped, never
// allowed to backpressure the agent.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates the hub and subscribes it to the broadcastable events.
func NewHub(logger *zap.Logger, bus *events.Bus) *Hub {
	h := &Hub{
		logger: logger.Named("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}

	bus.Subscribe(events.TypeTradeOpened, func(ev events.Event) error {
		h.Broadcast(MsgTypeTradeOpen, ev.(events.TradeOpenedEvent).Trade)
		return nil
	})
	bus.Subscribe(events.TypeTradeClosed, func(ev events.Event) error {
		h.Broadcast(MsgTypeTradeClose, ev.(events.TradeClosedEvent).Trade)
		return nil
	})
	bus.Subscribe(events.TypeBalance, func(ev events.Event) error {
		b := ev.(events.BalanceEvent)
		h.Broadcast(MsgTypeBalanceChange, map[string]string{
			"balance":  b.Balance.String(),
			"currency": b.Currency,
		})
		return nil
	})
	bus.Subscribe(events.TypeStatus, func(ev events.Event) error {
		s := ev.(events.StatusEvent)
		h.Broadcast(MsgTypeStatusChange, map[string]string{
			"status": s.Status,
			"detail": s.Detail,
		})
		return nil
	})
	bus.Subscribe(events.TypeEmergencyBrake, func(ev events.Event) error {
		b := ev.(events.EmergencyBrakeEvent)
		h.Broadcast(MsgTypeRiskAlert, map[string]string{
			"alert":        "train_detected",
			"paused_until": b.Until.UTC().Format(time.RFC3339),
		})
		return nil
	})
	return h
}

// HandleWS upgrades an HTTP request into a broadcast subscription.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, clientSendBuf),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("broadcast client connected",
		zap.String("client_id", c.id),
		zap.Int("clients", count))

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast queues one frame for every connected client.
func (h *Hub) Broadcast(t MessageType, data any) {
	msg := WSMessage{Type: t, Data: data, Timestamp: time.Now().Unix()}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("broadcast marshal failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Slow consumer; the write pump will notice the close.
			go h.drop(c)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; the channel is one-way. It exists to
// run the pong handler and detect disconnects.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	h.mu.Unlock()

	close(c.send)
	c.conn.Close()
	h.logger.Info("broadcast client disconnected", zap.String("client_id", c.id))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
}
