/*
client.go - HTTP transport for the accounting service

PURPOSE:
  Issues authenticated GET/POST requests and returns the parsed JSON
  envelope. No business logic, no envelope checks, no retries.

FAILURE MODES (all reported as ErrTransport):
  - Connection / request construction errors
  - GET answered with a non-2xx status
  - Response bodies that are not JSON objects

TIMEOUTS:
  The client imposes none. Callers needing bounded latency pass an
  *http.Client with a Timeout, or a context with a deadline.

SEE ALSO:
  - response.go: Validate() must run on every Body before "result" is used
*/
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Client talks to one accounting service base URL.
type Client struct {
	BaseURL  string
	Username string
	Password string

	HTTP *http.Client
	Log  *zap.Logger
}

// NewClient creates a client using http.DefaultClient and a no-op logger.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Username: username,
		Password: password,
		HTTP:     http.DefaultClient,
		Log:      zap.NewNop(),
	}
}

// Get fetches path and parses the JSON envelope.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, Body, error) {
	url := c.BaseURL + path
	c.logger().Debug("accounting request", zap.String("method", http.MethodGet), zap.String("url", url))

	resp, raw, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return resp, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil, &TransportError{
			Method: http.MethodGet,
			URL:    url,
			Err:    fmt.Errorf("expected 2xx response, got %d: %s", resp.StatusCode, truncate(raw)),
		}
	}

	body, err := parseBody(raw)
	if err != nil {
		return resp, nil, &TransportError{Method: http.MethodGet, URL: url, Err: err}
	}
	return resp, body, nil
}

// Post sends payload as JSON. The status code is left for the caller to
// judge; the body is still parsed so the envelope can be validated.
func (c *Client) Post(ctx context.Context, path string, payload any) (*http.Response, Body, error) {
	url := c.BaseURL + path

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode request payload: %w", err)
	}
	c.logger().Debug("accounting request",
		zap.String("method", http.MethodPost),
		zap.String("url", url),
		zap.ByteString("payload", encoded),
	)

	resp, raw, err := c.do(ctx, http.MethodPost, url, encoded)
	if err != nil {
		return resp, nil, err
	}

	body, err := parseBody(raw)
	if err != nil {
		return resp, nil, &TransportError{Method: http.MethodPost, URL: url, Err: err}
	}
	return resp, body, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) (*http.Response, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, nil, &TransportError{Method: method, URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Username != "" || c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Method: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, &TransportError{Method: method, URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	c.logger().Debug("accounting response",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)),
	)
	return resp, raw, nil
}

func (c *Client) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// parseBody decodes a JSON object. A JSON null decodes to a nil Body, which
// Validate reports as malformed.
func parseBody(raw []byte) (Body, error) {
	var body Body
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("JSON decode error: %w (body: %s)", err, truncate(raw))
	}
	return body, nil
}

func truncate(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
