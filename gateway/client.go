package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/sentinelstreams/errors"
	"github.com/c360/sentinelstreams/pkg/buffer"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	maxMsgSize = 4096
)

// client is one connected websocket subscriber with its own bounded
// outbound buffer.
type client struct {
	gw   *Gateway
	conn *websocket.Conn
	addr string

	outbound buffer.Buffer[[]byte]
	signal   chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(gw *Gateway, conn *websocket.Conn, outbound buffer.Buffer[[]byte]) *client {
	return &client{
		gw:       gw,
		conn:     conn,
		addr:     conn.RemoteAddr().String(),
		outbound: outbound,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// enqueue adds a message to the client's outbound buffer. Under the
// disconnect backpressure policy a full buffer closes the connection and
// reports errors.ErrClientBufferFull; otherwise the buffer's DropOldest
// policy sheds the stalest message.
func (c *client) enqueue(msg []byte) error {
	if c.gw.cfg.Backpressure == backpressureDisconnect && c.outbound.IsFull() {
		c.gw.logger.Warn("slow consumer disconnected", "client", c.addr)
		c.close()
		return errors.WrapTransient(errors.ErrClientBufferFull, "gateway", "enqueue", c.addr)
	}
	if err := c.outbound.Write(msg); err != nil {
		return nil // buffer closed, client is going away
	}
	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

// writePump drains the outbound buffer to the socket and keeps the
// connection alive with pings.
func (c *client) writePump(pingInterval time.Duration) {
	ticker := c.gw.clk.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.signal:
			for {
				msg, ok := c.outbound.Read()
				if !ok {
					break
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}
}

// readPump consumes control frames and detects disconnects. Inbound data
// frames are discarded; the gateway is broadcast-only.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.outbound.Close()
		_ = c.conn.Close()
		c.gw.removeClient(c)
	})
}
