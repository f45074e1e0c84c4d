// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmq-harness/harness"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame types sent to /events clients.
const (
	FrameMessage    = "message"
	FrameStatus     = "status"
	FrameError      = "error"
	FrameConnection = "connection"
)

const (
	writeWait      = 10 * time.Second
	clientSendSize = 64
)

// Frame is one notification sent to event stream clients.
type Frame struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

type connectionData struct {
	Role      harness.Role `json:"role"`
	Connected bool         `json:"connected"`
	Error     string       `json:"error,omitempty"`
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans harness notifications out to WebSocket clients. It implements
// harness.Sink. Slow clients lose frames rather than stall the hub.
type Hub struct {
	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan []byte
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	clients    atomic.Int32
	dropped    atomic.Uint64
}

var _ harness.Sink = (*Hub)(nil)

// NewHub allocates a hub. Call Run in a goroutine to start the event loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		register:   make(chan *hubClient, 16),
		unregister: make(chan *hubClient, 16),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run is the hub's event loop. On return every client is disconnected.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	clients := make(map[*hubClient]struct{})
	remove := func(c *hubClient) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
			h.clients.Store(int32(len(clients)))
		}
	}

	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				remove(c)
			}
			return
		case c := <-h.register:
			clients[c] = struct{}{}
			h.clients.Store(int32(len(clients)))
			h.logger.Debug("event client registered", slog.String("client", c.id))
		case c := <-h.unregister:
			remove(c)
			h.logger.Debug("event client unregistered", slog.String("client", c.id))
		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					h.dropped.Add(1)
				}
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("event stream upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &hubClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendSize),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client input and unregisters on the first read error.
func (h *Hub) readPump(c *hubClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

func (h *Hub) publish(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("failed to marshal event frame", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// OnMessage implements harness.Sink.
func (h *Hub) OnMessage(rec harness.InboundMessageRecord) {
	h.publish(Frame{Type: FrameMessage, Time: rec.Timestamp, Data: rec})
}

// OnStatus implements harness.Sink.
func (h *Hub) OnStatus(snap harness.StatusSnapshot) {
	h.publish(Frame{Type: FrameStatus, Time: snap.Time, Data: snap})
}

// OnError implements harness.Sink.
func (h *Hub) OnError(message string) {
	h.publish(Frame{Type: FrameError, Time: time.Now(), Data: message})
}

// OnConnection implements harness.Sink.
func (h *Hub) OnConnection(ev harness.ConnectionEvent) {
	data := connectionData{Role: ev.Role, Connected: ev.Connected}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	h.publish(Frame{Type: FrameConnection, Time: ev.Time, Data: data})
}
