// Package transport adapts the two wire protocols to the shared command
// handlers in collab.
//
// Native clients speak JSON {type, data} text frames over a raw websocket.
// Stream clients hold a server-sent event stream for everything the server
// sends and POST their commands to a per-connection endpoint; one stream
// multiplexes every project the client joins.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/server/internal/collab"
	"collabtext/server/internal/logging"
	"collabtext/server/internal/registry"
)

type NativeConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultNativeConfig() NativeConfig {
	return NativeConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 1 << 20,
		SendBuffer:     256,
	}
}

// Native accepts websocket connections.
type Native struct {
	hub      *collab.Hub
	cfg      NativeConfig
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*nativeConn
}

func NewNative(hub *collab.Hub, cfg NativeConfig) *Native {
	return &Native{
		hub:   hub,
		cfg:   cfg,
		conns: make(map[string]*nativeConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (n *Native) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := &nativeConn{
		id:   collab.NewClientID(registry.Native),
		ws:   ws,
		cfg:  n.cfg,
		send: make(chan collab.Event, n.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	n.mu.Lock()
	n.conns[c.id] = c
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.conns, c.id)
		n.mu.Unlock()
	}()
	n.hub.Attach(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.writePump()
	c.readPump(ctx, n.hub)
}

// CloseAll disconnects every websocket client.
func (n *Native) CloseAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns {
		c.close()
	}
}

type nativeConn struct {
	id   string
	ws   *websocket.Conn
	cfg  NativeConfig
	send chan collab.Event

	done      chan struct{}
	closeOnce sync.Once
}

func (c *nativeConn) ID() string { return c.id }

func (c *nativeConn) Transport() registry.Transport { return registry.Native }

// Send never blocks. A client whose buffer is full is disconnected.
func (c *nativeConn) Send(ev collab.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return false
	default:
		logging.Warn().Str("clientId", c.id).Msg("send buffer full, closing slow client")
		c.close()
		return false
	}
}

func (c *nativeConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump handles inbound frames one at a time until the socket fails.
func (c *nativeConn) readPump(ctx context.Context, hub *collab.Hub) {
	defer func() {
		c.close()
		hub.Detach(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Str("clientId", c.id).Msg("websocket closed unexpectedly")
			}
			return
		}
		cmd, err := collab.DecodeCommand(data)
		if err != nil {
			hub.Reject(c, "", err)
			continue
		}
		hub.Handle(ctx, c, cmd)
	}
}

func (c *nativeConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}
