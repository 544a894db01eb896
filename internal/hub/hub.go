package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"factorywatch/internal/model"
)

const (
	TypeDashboard    = "dashboard"
	TypeNotification = "notification"
)

type outbound struct {
	kind string
	data []byte
}

type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub fans published dashboards and notifications out to WebSocket clients.
// Only Run touches the client set.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	latest     []byte
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c.send)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			if h.latest != nil {
				c.send <- h.latest
			}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case out := <-h.broadcast:
			if out.kind == TypeDashboard {
				h.latest = out.data
			}
			for c := range h.clients {
				select {
				case c.send <- out.data:
				default:
					if h.logger != nil {
						h.logger.Warn("websocket client too slow, dropping", "remote", c.remote)
					}
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

func (h *Hub) publish(kind string, payload any) {
	msg, err := json.Marshal(Message{Type: kind, Payload: payload})
	if err != nil {
		if h.logger != nil {
			h.logger.Error("websocket marshal failed", "type", kind, "err", err)
		}
		return
	}
	select {
	case h.broadcast <- outbound{kind: kind, data: msg}:
	case <-h.done:
	}
}

func (h *Hub) BroadcastDashboard(d model.Dashboard) {
	h.publish(TypeDashboard, d)
}

// Notify makes the hub a notification sink.
func (h *Hub) Notify(n model.Notification) {
	h.publish(TypeNotification, n)
}

// ServeWS upgrades the request and starts the client pumps. The newest
// dashboard is sent first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	c := &Client{hub: h, conn: conn, send: make(chan []byte, 16), remote: conn.RemoteAddr().String()}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
