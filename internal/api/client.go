package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"brewctl/internal/model"
)

// Headers stamped on every command so the controller log can order and
// correlate requests. The JSON body stays exactly as the controller
// expects it.
const (
	HeaderCommandSeq = "X-Command-Seq"
	HeaderCommandID  = "X-Command-Id"
)

// Client is a thin HTTP client for the controller command API.
type Client struct {
	baseURL string
	http    *http.Client
	seq     atomic.Uint64
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetHeater commands the heater power state. The state is validated
// before any request goes out.
func (c *Client) SetHeater(ctx context.Context, state model.HeaterState) error {
	if !state.Valid() {
		return fmt.Errorf("api: invalid heater state %q", state)
	}
	return c.postJSON(ctx, "/heater", HeaterCommand{Set: state})
}

// SetTargetTemperature commands the thermostat target in whole degrees.
func (c *Client) SetTargetTemperature(ctx context.Context, degrees int) error {
	return c.postJSON(ctx, "/temperature", TemperatureCommand{Set: degrees})
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCommandSeq, strconv.FormatUint(c.seq.Add(1), 10))
	req.Header.Set(HeaderCommandID, uuid.NewString())

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}
	return nil
}
