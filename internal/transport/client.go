package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stobieee-bit/AsterianServer/internal/config"
	"github.com/stobieee-bit/AsterianServer/internal/hub"
	"github.com/stobieee-bit/AsterianServer/internal/metrics"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Read deadline window, refreshed on every inbound frame. The hub's
	// heartbeat evicts silent sessions long before this fires; the
	// deadline only protects against dead TCP paths pinning goroutines.
	readWait = 90 * time.Second
)

// wsConn wraps one gorilla connection and implements hub.Conn. The socket
// is owned here: the hub only enqueues frames and requests closure.
type wsConn struct {
	conn *websocket.Conn
	h    *hub.Hub
	log  zerolog.Logger
	m    *metrics.Registry

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// Inbound token bucket; frames over the limit are dropped, consistent
	// with the drop-silently error taxonomy.
	limiter *rate.Limiter

	maxFrameBytes int64
}

func newWSConn(conn *websocket.Conn, h *hub.Hub, cfg *config.Config, log zerolog.Logger, m *metrics.Registry) *wsConn {
	return &wsConn{
		conn:          conn,
		h:             h,
		log:           log,
		m:             m,
		send:          make(chan []byte, cfg.SendBuffer),
		done:          make(chan struct{}),
		limiter:       rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst),
		maxFrameBytes: cfg.MaxFrameBytes,
	}
}

// Enqueue implements hub.Conn. Never blocks; a full buffer or closed
// connection drops the frame.
func (c *wsConn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close implements hub.Conn. Signals the write pump, which flushes queued
// frames and closes the socket. Safe to call repeatedly.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump feeds inbound text frames to the hub until the connection
// errors or closes, then reports the detach.
func (c *wsConn) readPump() {
	defer func() {
		c.h.Detach(c)
		c.Close()
		c.m.ConnectionsActive.Dec()
	}()

	c.conn.SetReadLimit(c.maxFrameBytes)

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			return
		}
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.m.BytesIn.Add(float64(len(data)))
		if !c.limiter.Allow() {
			c.m.FramesDropped.WithLabelValues("rate_limited").Inc()
			continue
		}
		c.h.Inbound(c, data)
	}
}

// writePump drains the send buffer onto the socket. On close it flushes
// anything still queued (a capacity rejection's error frame, for one)
// before sending the close frame.
func (c *wsConn) writePump() {
	defer c.conn.Close() //nolint:errcheck

	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		case <-c.done:
			for {
				select {
				case frame := <-c.send:
					if !c.write(frame) {
						return
					}
				default:
					deadline := time.Now().Add(writeWait)
					c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline) //nolint:errcheck
					return
				}
			}
		}
	}
}

func (c *wsConn) write(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.log.Debug().Err(err).Msg("websocket write error")
		return false
	}
	c.m.BytesOut.Add(float64(len(frame)))
	return true
}
