// Package ws owns the websocket transport: it upgrades connections, pumps
// frames, and executes the fan-out lists the hub router computes.
package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"watchparty/internal/hub"
	"watchparty/internal/protocol"
	"watchparty/internal/registry"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
	sendBuffer   = 64
)

type conn struct {
	id   registry.ConnID
	ws   *websocket.Conn
	send chan protocol.Envelope
	once sync.Once
}

// close shuts the send channel exactly once; the writer goroutine closes the
// underlying socket when it drains out.
func (c *conn) close() {
	c.once.Do(func() { close(c.send) })
}

// Handler serves the /ws endpoint.
type Handler struct {
	router    *hub.Router
	lifecycle *hub.Lifecycle
	limiter   *ConnLimiter
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	conns map[registry.ConnID]*conn
}

// NewHandler creates a websocket handler bound to the router and lifecycle.
func NewHandler(router *hub.Router, lifecycle *hub.Lifecycle, limiter *ConnLimiter) *Handler {
	return &Handler{
		router:    router,
		lifecycle: lifecycle,
		limiter:   limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		conns: make(map[registry.ConnID]*conn),
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}

	if h.limiter != nil && !h.limiter.Acquire(ip) {
		slog.Warn("connection rejected", "ip", ip, "reason", "per-ip limit")
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteJSON(protocol.Encode(protocol.EventError, protocol.ErrorEvent{
			Code:    protocol.CodeTooManyConnections,
			Message: "too many connections from this address",
		}))
		_ = ws.Close()
		return nil
	}
	defer func() {
		if h.limiter != nil {
			h.limiter.Release(ip)
		}
	}()

	h.serveConn(ws)
	return nil
}

func (h *Handler) serveConn(ws *websocket.Conn) {
	c := &conn{
		id:   registry.ConnID(uuid.NewString()),
		ws:   ws,
		send: make(chan protocol.Envelope, sendBuffer),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	slog.Debug("connection opened", "conn", string(c.id))

	defer func() {
		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()

		h.apply(h.router.HandleDisconnect(c.id))
		c.close()
		slog.Debug("connection closed", "conn", string(c.id))
	}()

	go func() {
		defer ws.Close()
		for out := range c.send {
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(out); err != nil {
				return
			}
		}
	}()

	ws.SetReadLimit(readLimit)
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		h.apply(h.router.Dispatch(c.id, env))
	}
}

// apply executes one router result: deliver the fan-out list, close replaced
// connections, and hand emptied rooms to the lifecycle manager.
func (h *Handler) apply(res hub.Result) {
	for _, d := range res.Deliveries {
		h.deliver(d)
	}
	for _, id := range res.Close {
		h.mu.RLock()
		c, ok := h.conns[id]
		h.mu.RUnlock()
		if ok {
			c.close()
		}
	}
	for _, roomID := range res.Emptied {
		h.lifecycle.RoomEmptied(roomID)
	}
}

func (h *Handler) deliver(d hub.Delivery) {
	h.mu.RLock()
	c, ok := h.conns[d.To]
	h.mu.RUnlock()
	if !ok {
		// Target vanished between routing and delivery; drop.
		return
	}
	if !trySend(c.send, protocol.Encode(d.Event, d.Data)) {
		slog.Warn("frame dropped", "conn", string(d.To), "event", d.Event)
	}
}

// trySend writes without blocking and tolerates a concurrently closed
// channel; the hub must never stall or crash on a departing client.
func trySend(ch chan protocol.Envelope, env protocol.Envelope) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- env:
		return true
	default:
		return false
	}
}
