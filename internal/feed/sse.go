package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Samples arrive as named events on the feed path.
const sseEventName = "sample"

func newSSEDial(baseURL string) (dialFunc, error) {
	target, err := joinPath(baseURL, "/sample")
	if err != nil {
		return nil, err
	}
	// No client timeout here: the response body is a long-lived stream
	// and shutdown goes through the request context instead.
	client := &http.Client{}
	return func(ctx context.Context) (transport, error) {
		return dialSSE(ctx, client, target)
	}, nil
}

func dialSSE(ctx context.Context, client *http.Client, target string) (transport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, fmt.Errorf("feed: %s: %s", target, res.Status)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		res.Body.Close()
		return nil, fmt.Errorf("feed: %s: unexpected content type %q", target, ct)
	}
	return &sseConn{body: res.Body, br: bufio.NewReader(res.Body)}, nil
}

type sseConn struct {
	body io.ReadCloser
	br   *bufio.Reader
}

// Read returns the data of the next sample event. Comment lines,
// events under other names and events without data are skipped.
// Multi-line data joins with newlines, as an event stream consumer
// is expected to do.
func (c *sseConn) Read() ([]byte, error) {
	var event string
	var data []byte
	var have bool
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if have && (event == "" || event == sseEventName) {
				return data, nil
			}
			event, data, have = "", nil, false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if have {
				data = append(data, '\n')
			}
			data = append(data, value...)
			have = true
		}
	}
}

func (c *sseConn) Close() error { return c.body.Close() }

func joinPath(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("feed: bad controller url %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("feed: controller url %q needs a scheme and host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
