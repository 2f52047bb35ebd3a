package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/wire"
)

const (
	// sendBuffer is the per-connection outbound queue. A peer that lets this
	// many frames pile up is treated as a slow consumer and dropped.
	sendBuffer = 256

	// writeWait bounds every socket write, close handshakes included.
	writeWait = 10 * time.Second
)

// Conn is one live WebSocket connection. Two goroutines serve it: readPump
// feeds inbound frames to the hub and writePump drains the send queue. All
// other goroutines talk to the connection only through enqueue. sock is nil
// in tests that inject frames into the hub directly.
type Conn struct {
	fd       int
	hub      *Hub
	sock     *websocket.Conn
	remoteIP string
	openedAt time.Time
	log      zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeSent atomic.Bool
	authTimer *time.Timer

	mu          sync.Mutex
	authed      bool
	accountID   int64
	channels    []string
	closeCode   int
	closeReason string
}

func newConn(hub *Hub, fd int, sock *websocket.Conn, remoteIP string, logger zerolog.Logger) *Conn {
	return &Conn{
		fd:       fd,
		hub:      hub,
		sock:     sock,
		remoteIP: remoteIP,
		openedAt: time.Now(),
		log:      logger.With().Int("fd", fd).Str("ip", remoteIP).Logger(),
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// FD returns the connection's worker-local descriptor.
func (c *Conn) FD() int { return c.fd }

func (c *Conn) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Conn) setAuthed(accountID int64) {
	c.mu.Lock()
	c.authed = true
	c.accountID = accountID
	c.mu.Unlock()
}

func (c *Conn) clearAuthed() {
	c.mu.Lock()
	c.authed = false
	c.accountID = 0
	c.mu.Unlock()
}

// addChannel records a subscription in the reverse index so close-time
// cleanup walks only this connection's channels. Idempotent.
func (c *Conn) addChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		if ch == channel {
			return
		}
	}
	c.channels = append(c.channels, channel)
}

func (c *Conn) removeChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.channels {
		if ch == channel {
			c.channels = append(c.channels[:i], c.channels[i+1:]...)
			return
		}
	}
}

// takeChannels empties the reverse index and returns what it held. Called
// exactly once, from the hub's drop path.
func (c *Conn) takeChannels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	chs := c.channels
	c.channels = nil
	return chs
}

// enqueue hands a frame to the write pump without ever blocking the caller.
// A full buffer means the peer is not keeping up; the connection is dropped
// rather than letting one slow reader stall a publish fan-out.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn().Msg("Send buffer full, dropping slow consumer")
		c.hub.drop(c, CloseSlowConsumer, "send buffer overflow")
		return false
	}
}

// sendError enqueues a protocol-level error frame.
func (c *Conn) sendError(status int, message string) {
	if frame, err := wire.Error(status, message); err == nil {
		c.enqueue(frame)
	}
}

// scheduleClose queues a close handshake behind whatever frames are already
// buffered, so a final error frame reaches the peer before the close frame.
// The nil sentinel tells the write pump to perform the handshake.
func (c *Conn) scheduleClose(code int, reason string) {
	c.mu.Lock()
	c.closeCode, c.closeReason = code, reason
	c.mu.Unlock()
	if c.sock == nil || !c.enqueue(nil) {
		c.hub.drop(c, code, reason)
	}
}

func (c *Conn) closeInfo() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == 0 {
		return websocket.CloseGoingAway, "going away"
	}
	return c.closeCode, c.closeReason
}

// writeClose sends the close control frame at most once. WriteControl is
// safe to call concurrently with the write pump.
func (c *Conn) writeClose(code int, reason string) {
	if c.closeSent.Swap(true) {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readPump pulls frames off the socket and hands them to the hub until the
// peer goes away or a protocol error surfaces. It owns all reads.
func (c *Conn) readPump() {
	defer c.hub.drop(c, websocket.CloseGoingAway, "read pump exit")

	idle := c.hub.cfg.HeartbeatIdle
	c.sock.SetReadLimit(c.hub.cfg.MaxFrameBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(idle))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, message, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(idle))
		c.hub.handleFrame(c, message)
	}
}

// writePump drains the send queue onto the socket and keeps the heartbeat
// ticking. It owns all data writes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.hub.drop(c, websocket.CloseGoingAway, "write pump exit")
	}()

	for {
		select {
		case frame := <-c.send:
			if frame == nil {
				code, reason := c.closeInfo()
				c.writeClose(code, reason)
				c.hub.drop(c, code, reason)
				return
			}
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
