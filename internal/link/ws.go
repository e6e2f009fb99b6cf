package link

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// wsDialer is the production Dialer. It speaks the text-frame protocol the
// display sink expects over a plain WebSocket.
type wsDialer struct{}

var _ Dialer = wsDialer{}

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", url, err)
	}
	// The sink never sends application data. CloseRead keeps the read pump
	// alive so pings are answered and disconnects surface promptly.
	readCtx := c.CloseRead(context.Background())
	return &wsConn{conn: c, closed: readCtx.Done()}, nil
}

// wsConn adapts *websocket.Conn to the Conn interface.
type wsConn struct {
	conn   *websocket.Conn
	closed <-chan struct{}
}

var _ Conn = (*wsConn)(nil)

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Closed() <-chan struct{} { return c.closed }

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "shutting down")
}
