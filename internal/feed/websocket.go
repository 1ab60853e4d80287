package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

func newWSDial(baseURL string) (dialFunc, error) {
	target, err := wsTarget(baseURL)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (transport, error) {
		conn, res, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			if res != nil {
				res.Body.Close()
				return nil, fmt.Errorf("feed: %s: %s", target, res.Status)
			}
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}, nil
}

// wsTarget rewrites the controller base URL into the websocket feed URL.
func wsTarget(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("feed: bad controller url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("feed: unsupported scheme %q in %q", u.Scheme, base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("feed: controller url %q needs a host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/sample"
	return u.String(), nil
}

type wsConn struct {
	conn *websocket.Conn
}

// Read returns the next text message. Other frame types are skipped.
func (c *wsConn) Read() ([]byte, error) {
	for {
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return msg, nil
	}
}

func (c *wsConn) Close() error { return c.conn.Close() }

// closedCleanly reports whether a read error is an orderly end of
// stream rather than a fault.
func closedCleanly(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
