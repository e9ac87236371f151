package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/mediastation/torrent"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var _ torrent.Subscriber = &Hub{}

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans engine events out to websocket clients. A client that cannot keep
// up is disconnected.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	log     zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		log:     log.Logger.With().Str("component", "ws").Logger(),
	}
}

func (h *Hub) OnSnapshot(s torrent.Snapshot) {
	h.Broadcast("snapshot", s)
}

func (h *Hub) OnTerminal(ev torrent.TerminalEvent) {
	h.Broadcast("terminal", ev)
}

// Broadcast sends a typed JSON message to every connected client.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) == 0 {
		return
	}

	payload, err := json.Marshal(wsMessage{Type: msgType, Data: data})
	if err != nil {
		h.log.Error().Err(err).Msg("error marshalling ws message")
		return
	}

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.log.Debug().Msg("dropping slow ws client")
			h.drop(c)
		}
	}
}

// register adds c and queues the message built by first ahead of any
// broadcast. first runs under the hub lock, so an event is either reflected in
// it or delivered after it.
func (h *Hub) register(c *wsClient, first func() wsMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if first != nil {
		payload, err := json.Marshal(first())
		if err != nil {
			h.log.Error().Err(err).Msg("error marshalling ws message")
		} else {
			c.send <- payload
		}
	}
	h.clients[c] = struct{}{}
	h.log.Debug().Int("total", len(h.clients)).Msg("ws client connected")
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(c)
}

// drop must be called with mu held.
func (h *Hub) drop(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(2*time.Second),
		)
		h.drop(c)
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// apiEventsHandler upgrades the connection and streams engine events. The
// current session list is sent first so clients start from a full view.
var apiEventsHandler = func(h *Hub, e Engine) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, err := wsUpgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("error upgrading ws connection")
			return
		}

		c := &wsClient{hub: h, conn: conn, send: make(chan []byte, wsSendBuffer)}

		sessions := func() wsMessage {
			return wsMessage{Type: "sessions", Data: e.List()}
		}
		if !h.register(c, sessions) {
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
