package realtime

import (
	"sync"
	"time"

	"sheetsync/internal/metrics"
	"sheetsync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// Conn is a WebSocket Subscriber. Frames are queued on a buffered channel and
// written by a dedicated goroutine, so a slow peer only delays itself.
type Conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zerolog.Logger

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

// NewConn wraps an upgraded connection. Call Run to start pumping.
func NewConn(id string, ws *websocket.Conn, logger *zerolog.Logger) *Conn {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	metrics.ConnectionOpened()
	return &Conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, models.SubscriberBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) Send(data []byte) bool {
	if !c.Open() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close marks the connection closed, stops the write pump and runs the close
// hooks. Only the first call has any effect.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.onClose
	c.onClose = nil
	close(c.done)
	c.mu.Unlock()

	metrics.ConnectionClosed()
	for _, fn := range hooks {
		fn()
	}
}

// Run starts the write pump and blocks in the read pump until the peer goes
// away, a heartbeat is missed, or Close is called.
func (c *Conn) Run() {
	go c.writePump()
	c.readPump()
}

func (c *Conn) readPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Inbound frames carry nothing; reading keeps pong and close handling alive.
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error().Err(err).Str("client_id", c.id).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}
