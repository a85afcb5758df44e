package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is wrapped into errors for 404 responses so callers can tell
// a missing resource apart from a transport failure.
var ErrNotFound = errors.New("api: resource not found")

// HTTPClient talks to a live uplinkd admin endpoint.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

var _ AdminClient = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the admin API rooted at baseURL,
// e.g. "http://127.0.0.1:7434".
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *HTTPClient) ListSessions() ([]SessionInfo, error) {
	var out struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := c.getJSON("/api/v1/sessions", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *HTTPClient) DescribeSession(token string) (*SessionInfo, error) {
	if err := ValidateToken(token); err != nil {
		return nil, err
	}
	var info SessionInfo
	if err := c.getJSON("/api/v1/sessions/"+token, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) ExpireSession(token string) error {
	if err := ValidateToken(token); err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/v1/sessions/"+token, nil)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("api: expire session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("expire session", resp)
	}
	return nil
}

func (c *HTTPClient) ListChannels() ([]ChannelInfo, error) {
	var out struct {
		Channels []ChannelInfo `json:"channels"`
	}
	if err := c.getJSON("/api/v1/channels", &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

func (c *HTTPClient) Info() (*ServerInfo, error) {
	var info ServerInfo
	if err := c.getJSON("/api/v1/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) Health() error {
	return c.getJSON("/healthz", nil)
}

func (c *HTTPClient) Metrics() (map[string]int64, error) {
	out := make(map[string]int64)
	if err := c.getJSON("/api/v1/metrics", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) getJSON(path string, dst any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("api: get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(path, resp)
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}

// statusError turns a non-200 response into an error, preferring the
// daemon's own {"error": ...} message when one is present.
func statusError(what string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var fail struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &fail) == nil && fail.Error != "" {
		msg = fail.Error
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return fmt.Errorf("api: %s: unexpected status %d: %s", what, resp.StatusCode, msg)
}
