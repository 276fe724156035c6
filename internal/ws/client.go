package ws

import (
	"context"
	"time"

	"github.com/Arthurb-96/Looking/internal/protocol"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client is one live connection. identity is pinned at the handshake from
// the verified token and never reassigned; joined flips once user_join has
// registered presence (guarded by the gateway mutex).
type Client struct {
	ID       string
	Send     chan protocol.Event
	identity string
	joined   bool

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func newClient(identity string, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		ID:       uuid.NewString(),
		Send:     make(chan protocol.Event, 64),
		identity: identity,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
	}

	if conn != nil {
		go c.writeLoop()
		go c.keepAliveLoop()
	}

	return c
}

// Send is never closed: broadcasts may still be in flight while the client
// tears down, and a send on a closed channel would panic the gateway. The
// channel is simply dropped with the client.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.Send:
			// Hindari timeout terlalu agresif karena beberapa implementasi deadline
			// bisa menutup koneksi saat ada goroutine read/write aktif.
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = wsjson.Write(writeCtx, c.conn, ev)
			cancel()
		}
	}
}

func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}
