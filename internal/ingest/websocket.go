package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const closeWait = time.Second

// WebSocketDialer connects to a device that pushes frames over a WebSocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	// Maximum frame size in bytes, 0 for no limit
	ReadLimit int64
	Header    http.Header
}

func (d *WebSocketDialer) Supports(scheme string) bool {
	return scheme == "ws" || scheme == "wss"
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: ws}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

// ReadFrame returns the next text or binary message. Close unblocks it.
func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	return c.conn.Close()
}
