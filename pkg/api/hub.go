package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 16
	writeWait         = 5 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10
)

var upgrader = &websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize}

// Hub fans estimate messages out to websocket clients. Slow clients miss
// messages instead of stalling the broadcaster.
type Hub struct {
	// forward holds messages for every client
	forward chan []byte
	join    chan *client
	leave   chan *client
	clients map[*client]bool
	count   atomic.Int64
	dropped atomic.Uint64
	logger  *logx.Logger
	done    chan struct{}
}

// NewHub creates a hub; Run must be started before clients connect
func NewHub(logger *logx.Logger) *Hub {
	return &Hub{
		forward: make(chan []byte, messageBufferSize),
		join:    make(chan *client),
		leave:   make(chan *client),
		clients: make(map[*client]bool),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Run serves joins, leaves and broadcasts until ctx is done, then
// disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(0)
			return
		case c := <-h.join:
			h.clients[c] = true
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("stream_client_joined", "remote_addr", c.remote, "clients", len(h.clients))
		case c := <-h.leave:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("stream_client_left", "remote_addr", c.remote, "clients", len(h.clients))
		case msg := <-h.forward:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.dropped.Add(1)
				}
			}
		}
	}
}

// Broadcast queues msg for every client without blocking
func (h *Hub) Broadcast(msg []byte) bool {
	select {
	case h.forward <- msg:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Dropped returns how many client messages were discarded
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades the request and streams messages until either side
// goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream_upgrade_failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	c := &client{
		socket: socket,
		send:   make(chan []byte, messageBufferSize),
		remote: r.RemoteAddr,
	}

	select {
	case h.join <- c:
	case <-h.done:
		socket.Close()
		return
	}
	go c.write()
	c.read()

	select {
	case h.leave <- c:
	case <-h.done:
	}
}

type client struct {
	socket *websocket.Conn
	send   chan []byte
	remote string
}

// read discards inbound frames; it returns when the peer disconnects
func (c *client) read() {
	defer c.socket.Close()
	c.socket.SetReadLimit(512)
	c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) write() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
