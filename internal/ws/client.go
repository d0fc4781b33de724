package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-sync/internal/models"
)

const (
	sendBufferSize    = 64
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	closeSlowConsumer = "slow consumer"
)

// Client is one websocket subscriber. Batches are queued by Deliver and
// written by a single writer goroutine.
type Client struct {
	conn   *websocket.Conn
	roomID string
	info   ConnInfo

	send    chan models.Batch
	closed  chan struct{}
	flushed chan struct{}
	once    sync.Once
	reason  string
}

func newClient(conn *websocket.Conn, roomID string, info ConnInfo) *Client {
	return &Client{
		conn:    conn,
		roomID:  roomID,
		info:    info,
		send:    make(chan models.Batch, sendBufferSize),
		closed:  make(chan struct{}),
		flushed: make(chan struct{}),
	}
}

// Deliver implements roomlog.Subscriber.
func (c *Client) Deliver(batch models.Batch) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- batch:
		return true
	default:
		return false
	}
}

// Close implements roomlog.Subscriber. Only the first reason is kept.
func (c *Client) Close(reason string) {
	c.once.Do(func() {
		c.reason = reason
		close(c.closed)
	})
}

// Reason returns why the client was closed. Valid after Done.
func (c *Client) Reason() string {
	<-c.closed
	return c.reason
}

func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// writeLoop drains queued batches to the connection until the client closes
// or a write fails.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer close(c.flushed)
	for {
		select {
		case batch := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(batch); err != nil {
				c.Close(err.Error())
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(err.Error())
				return
			}
		case <-c.closed:
			code := websocket.CloseNormalClosure
			if c.reason == closeSlowConsumer {
				code = websocket.CloseTryAgainLater
			}
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, c.reason), time.Now().Add(writeWait))
			return
		}
	}
}

// readLoop consumes control frames until the peer goes away.
func (c *Client) readLoop() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return err
		}
	}
}
