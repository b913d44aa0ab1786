package realtime

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// Conn is one established push connection.
type Conn interface {
	// Read blocks until the next inbound text frame, ctx is cancelled or the
	// connection fails.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the push endpoint over a websocket.
type WebSocketDialer struct {
	// Header is sent with the upgrade request (e.g. the session cookie).
	Header http.Header
	// ReadLimit caps a single frame; zero keeps the library default.
	ReadLimit int64
	// HTTPClient is used for the upgrade request; nil uses the default.
	HTTPClient *http.Client
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

// Read skips binary frames; the push protocol is text only.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
