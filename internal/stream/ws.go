package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trananhduc/apexbot/internal/types"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// wsConn adapts a gorilla websocket connection to the Conn interface.
// The pong handler extends the read deadline so a healthy but quiet
// connection is not torn down between data frames.
type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %v", errExplicitClose, err)
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteJSON(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Ping() error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}

// newWebsocketDialer builds the production Dialer. The token rides in
// the access_token query parameter, matching the hub's negotiate
// contract, plus a bearer header for proxies that strip query strings.
func newWebsocketDialer(cfg Config) Dialer {
	readTimeout := 4 * cfg.KeepAliveInterval
	if readTimeout <= 0 {
		readTimeout = time.Minute
	}

	return func(ctx context.Context, hubURL, token string) (Conn, error) {
		u, err := url.Parse(hubURL)
		if err != nil {
			return nil, &types.ConnError{Permanent: true, Err: fmt.Errorf("hub url: %w", err)}
		}
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)

		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, resp, err := dialer.DialContext(ctx, u.String(), header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, &types.ConnError{
					Permanent: true,
					Err:       fmt.Errorf("hub rejected credentials: status %d", resp.StatusCode),
				}
			}
			return nil, &types.ConnError{Err: err}
		}

		ws := &wsConn{conn: conn, readTimeout: readTimeout}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		return ws, nil
	}
}
