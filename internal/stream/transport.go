package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"operator-autopilot/internal/apperr"
)

// Conn is one open streaming connection. WriteMessage must be safe to call
// from several goroutines; ReadMessage is only called by the read loop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens streaming connections
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

// WebSocketDialer dials the stream over gorilla/websocket
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dial connects to endpoint with the bearer token in the query string
func (d WebSocketDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	u, err := withToken(endpoint, token)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConfiguration, err, "stream url")
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, apperr.Wrap(apperr.CodeTransport, err, fmt.Sprintf("dial (status %d)", resp.StatusCode))
		}
		return nil, apperr.Wrap(apperr.CodeTransport, err, "dial")
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}, nil
}

func withToken(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, apperr.Wrap(apperr.CodeTransport, err, "closed by server")
			}
			return nil, apperr.Wrap(apperr.CodeTransport, err, "read")
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperr.Wrap(apperr.CodeTransport, err, "write")
	}
	return nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
