package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 5 << 20
)

// Conn is the subset of a websocket connection the manager reads from.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens a connection to the subscription URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
	// ReadTimeout bounds each read; a silent feed is treated as a dropped connection.
	ReadTimeout time.Duration
	ReadLimit   int64
}

// NewWebsocketDialer configures a dialer with the given handshake and read timeouts.
func NewWebsocketDialer(handshakeTimeout, readTimeout time.Duration) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		ReadTimeout: readTimeout,
		ReadLimit:   defaultReadLimit,
	}
}

// Dial performs the websocket handshake.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	wrapped := &wsConn{conn: conn, readTimeout: d.ReadTimeout}
	if d.ReadTimeout > 0 {
		// Server pings keep the deadline moving even when no trades print.
		conn.SetPingHandler(func(data string) error {
			_ = conn.SetReadDeadline(time.Now().Add(d.ReadTimeout))
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
	}
	return wrapped, nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, nil, err
		}
	}
	return c.conn.ReadMessage()
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
