package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/request-tender/backend/telemetry"
)

// Dashboard event types.
const (
	EventInit      = "init"
	EventQueue     = "queue"
	EventStatus    = "status"
	EventAnalytics = "analytics"
	EventNotice    = "notice"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
)

// Event is one message pushed to dashboard clients.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Hub fans dashboard events out to every connected websocket client. Slow
// clients whose send buffer is full are disconnected instead of stalling the
// others.
type Hub struct {
	clients    map[*dashClient]bool
	broadcast  chan []byte
	register   chan *dashClient
	unregister chan *dashClient
	done       <-chan struct{}
	log        *slog.Logger
}

type dashClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHub starts a hub that runs until ctx is cancelled.
func NewHub(ctx context.Context) *Hub {
	h := &Hub{
		clients:    make(map[*dashClient]bool),
		broadcast:  make(chan []byte, 128),
		register:   make(chan *dashClient),
		unregister: make(chan *dashClient, 32),
		done:       ctx.Done(),
		log:        slog.Default().With(slog.String("component", "dashboard")),
	}
	go h.run(ctx)
	return h
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			telemetry.SetGauge(telemetry.DashboardClients, float64(len(h.clients)))
		case c := <-h.unregister:
			h.drop(c)
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.log.Warn("dropping slow dashboard client", slog.String("remote_addr", c.conn.RemoteAddr().String()))
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *dashClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		telemetry.SetGauge(telemetry.DashboardClients, float64(len(h.clients)))
	}
}

// Publish queues an event for every client. It never blocks: when the
// broadcast buffer is full the event is dropped and later events carry the
// newer state anyway.
func (h *Hub) Publish(kind string, data any) {
	msg, err := encodeEvent(kind, data)
	if err != nil {
		h.log.Warn("failed to encode dashboard event", slog.String("type", kind), slog.Any("err", err))
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("dashboard broadcast buffer full, event dropped", slog.String("type", kind))
	}
}

func encodeEvent(kind string, data any) ([]byte, error) {
	return json.Marshal(Event{Type: kind, At: time.Now().UTC(), Data: data})
}

// serve upgrades the request and registers the client. register is unbuffered,
// so init is written only once the client receives broadcasts.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, init any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.Any("err", err))
		return
	}
	c := &dashClient{hub: h, conn: conn, send: make(chan []byte, clientSendBuffer)}
	if msg, err := encodeEvent(EventInit, init); err == nil {
		c.send <- msg
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump discards client messages; it exists to process pongs and notice
// disconnects.
func (c *dashClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *dashClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
