package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/StefanGrimminck/threatfeed/internal/auth"
	"github.com/StefanGrimminck/threatfeed/internal/control"
	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 64 * 1024
)

// Hub pushes every outbound event to connected websocket clients and dispatches
// control messages they send back. It implements feed.Sink and http.Handler.
type Hub struct {
	engine   control.Dispatcher
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	conns   sync.WaitGroup
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub returns a hub dispatching inbound messages to d.
func NewHub(d control.Dispatcher, log zerolog.Logger) *Hub {
	return &Hub{
		engine: d,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are authenticated by bearer token before the upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Emit implements feed.Sink. Clients whose buffer is full miss the event.
func (h *Hub) Emit(e feed.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		h.log.Error().Err(err).Str("notification", string(e.Kind)).Msg("encode event")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.log.Warn().Str("client_id", c.id).Msg("stream buffer full; event dropped")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{id: auth.ClientID(r.Context()), conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.conns.Add(1)
	h.mu.Unlock()
	h.log.Info().Str("client_id", c.id).Msg("stream client connected")

	go h.writePump(c)
	h.readPump(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	h.conns.Done()
	h.log.Info().Str("client_id", c.id).Msg("stream client disconnected")
}

func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("client_id", c.id).Msg("stream read")
			}
			return
		}
		h.handle(c, data)
	}
}

// handle dispatches one inbound message. Failures are reported to this client only.
func (h *Hub) handle(c *client, data []byte) {
	defer func() {
		if v := recover(); v != nil {
			h.reply(c, feed.Error(feed.ScopeSocket, fmt.Sprint(v)))
		}
	}()
	msg, err := control.DecodeMessage(data)
	if err == nil {
		err = h.engine.Dispatch(msg)
	}
	if err != nil {
		h.log.Warn().Err(err).Str("client_id", c.id).Msg("stream message rejected")
		h.reply(c, feed.Error(feed.ScopeSocket, err.Error()))
	}
}

func (h *Hub) reply(c *client, e feed.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
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

// Close disconnects every client and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
	h.conns.Wait()
}
