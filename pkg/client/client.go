package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultBaseURL = "http://127.0.0.1:8090/api"

// Client talks to a running relayshell daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	var info WorkerInfo
	if err := c.do(ctx, http.MethodGet, "/worker", nil, &info); err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) Send(ctx context.Context, req SendRequest) (TransferState, error) {
	c.logger.Debug("Sending batch", "files", len(req.Files), "ip", req.IP, "port", req.Port)
	var st TransferState
	err := c.do(ctx, http.MethodPost, "/transfers/send", req, &st)
	return st, err
}

func (c *Client) Cancel(ctx context.Context) (TransferState, error) {
	var st TransferState
	err := c.do(ctx, http.MethodPost, "/transfers/cancel", nil, &st)
	return st, err
}

func (c *Client) Reset(ctx context.Context) (TransferState, error) {
	var st TransferState
	err := c.do(ctx, http.MethodPost, "/transfers/reset", nil, &st)
	return st, err
}

func (c *Client) State(ctx context.Context) (TransferState, error) {
	var st TransferState
	err := c.do(ctx, http.MethodGet, "/transfers/state", nil, &st)
	return st, err
}

func (c *Client) StartServer(ctx context.Context, req ServerRequest) (TransferState, error) {
	var st TransferState
	err := c.do(ctx, http.MethodPost, "/server/start", req, &st)
	return st, err
}

func (c *Client) StartProxy(ctx context.Context, req ProxyRequest) (TransferState, error) {
	var st TransferState
	err := c.do(ctx, http.MethodPost, "/proxy/start", req, &st)
	return st, err
}

func (c *Client) StopWorker(ctx context.Context) (TransferState, error) {
	var st TransferState
	err := c.do(ctx, http.MethodPost, "/worker/stop", nil, &st)
	return st, err
}

func (c *Client) Worker(ctx context.Context) (WorkerInfo, error) {
	var info WorkerInfo
	err := c.do(ctx, http.MethodGet, "/worker", nil, &info)
	return info, err
}

func (c *Client) Peers(ctx context.Context) ([]Peer, error) {
	var out []Peer
	err := c.do(ctx, http.MethodGet, "/peers", nil, &out)
	return out, err
}

func (c *Client) Interfaces(ctx context.Context) ([]Interface, error) {
	var out []Interface
	err := c.do(ctx, http.MethodGet, "/interfaces", nil, &out)
	return out, err
}

func (c *Client) Verify(ctx context.Context, path string) (VerifyResult, error) {
	var res VerifyResult
	err := c.do(ctx, http.MethodPost, "/verify", map[string]string{"path": path}, &res)
	return res, err
}

func (c *Client) History(ctx context.Context) ([]HistoryItem, error) {
	var out []HistoryItem
	err := c.do(ctx, http.MethodGet, "/history", nil, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) ([]StatsRecord, error) {
	var out []StatsRecord
	err := c.do(ctx, http.MethodGet, "/stats", nil, &out)
	return out, err
}

func (c *Client) ClearHistory(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/history", nil, nil)
}

// Stream calls fn for every event frame until ctx is done, the connection
// drops, or fn returns false. No topics means all topics.
func (c *Client) Stream(ctx context.Context, topics []string, fn func(Event) bool) error {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(topics) > 0 {
		q := u.Query()
		q.Set("topics", strings.Join(topics, ","))
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if !fn(ev) {
			return nil
		}
	}
}

// do performs a JSON request and decodes a 200 answer into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
