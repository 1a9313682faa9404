package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vietddude/gwcore/internal/core/domain"
)

// Config holds gateway endpoint settings.
type Config struct {
	Host   string
	Port   int
	UseTLS bool
}

// Client implements Transport against the gateway's REST API. The session
// channel (handshake result, server heartbeats) runs over a websocket;
// data requests are plain request/response HTTP calls.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger

	mu            sync.RWMutex
	conn          *websocket.Conn
	identity      domain.ClientIdentity
	lastHeartbeat time.Time
	closed        chan struct{}
}

// NewClient creates a gateway client. The timeout is the outer bound for
// HTTP calls; per-call contexts tighten it further.
func NewClient(cfg Config, timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		cfg: cfg,
		log: log,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *Client) baseURL() string {
	scheme := "http"
	if c.cfg.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/v1", scheme, c.cfg.Host, c.cfg.Port)
}

func (c *Client) wsURL() string {
	scheme := "ws"
	if c.cfg.UseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/v1/ws", scheme, c.cfg.Host, c.cfg.Port)
}

// Connect dials the session channel for the given identity and starts the
// heartbeat read loop. An existing channel is torn down first; the gateway
// only honors one session per client ID.
func (c *Client) Connect(ctx context.Context, id domain.ClientIdentity) error {
	_ = c.Close()

	u, err := url.Parse(c.wsURL())
	if err != nil {
		return fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("clientId", strconv.Itoa(int(id.Num)))
	q.Set("nonce", id.Nonce)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &domain.AuthError{Msg: "session channel rejected"}
		}
		return fmt.Errorf("dial session channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.identity = id
	c.lastHeartbeat = time.Now()
	c.closed = make(chan struct{})
	closed := c.closed
	c.mu.Unlock()

	go c.readLoop(conn, closed)
	return nil
}

// sessionFrame is a message on the session channel.
type sessionFrame struct {
	Type    string `json:"type"` // "heartbeat", "auth", "error"
	Message string `json:"message,omitempty"`
}

func (c *Client) readLoop(conn *websocket.Conn, closed chan struct{}) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closed:
			default:
				c.log.Warn("session channel read failed", "error", err)
			}
			return
		}

		var frame sessionFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			c.log.Debug("unparseable session frame", "error", err)
			continue
		}

		if frame.Type == "heartbeat" {
			c.mu.Lock()
			c.lastHeartbeat = time.Now()
			c.mu.Unlock()
		}
	}
}

// LastHeartbeat returns the time of the most recent gateway heartbeat.
func (c *Client) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// Close tears down the session channel.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.conn = nil
	c.closed = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if closed != nil {
		close(closed)
	}
	return conn.Close()
}

type authResponse struct {
	Authenticated bool   `json:"authenticated"`
	Pending       bool   `json:"pending"`
	Message       string `json:"message"`
}

// Authenticate completes the handshake over REST. The gateway ties the
// result to the websocket session established by Connect.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.RLock()
	id := c.identity
	c.mu.RUnlock()

	var out authResponse
	err := c.postJSON(ctx, "/session/auth", map[string]any{
		"clientId": id.Num,
		"nonce":    id.Nonce,
	}, &out)
	if err != nil {
		return err
	}

	if out.Pending {
		return &domain.AuthError{Pending: true, Msg: out.Message}
	}
	if !out.Authenticated {
		return &domain.AuthError{Msg: out.Message}
	}
	return nil
}

type qualifyResponse struct {
	Qualified bool   `json:"qualified"`
	Message   string `json:"message"`
}

// QualifyContract confirms a contract with the gateway.
func (c *Client) QualifyContract(
	ctx context.Context,
	key domain.ContractKey,
) (*domain.QualificationResult, error) {
	var out qualifyResponse
	err := c.postJSON(ctx, "/contracts/qualify", map[string]any{
		"contract": string(key),
	}, &out)
	if err != nil {
		return nil, err
	}

	return &domain.QualificationResult{
		Contract:  key,
		Qualified: out.Qualified,
		Detail:    out.Message,
	}, nil
}

// SnapshotQuote requests a one-shot quote. The snapshot query parameter is
// always set; the gateway treats its absence as a streaming subscription,
// which this client never issues.
func (c *Client) SnapshotQuote(
	ctx context.Context,
	key domain.ContractKey,
) (*domain.Quote, error) {
	var out domain.Quote
	q := url.Values{}
	q.Set("contract", string(key))
	q.Set("snapshot", "true")

	if err := c.getJSON(ctx, "/md/snapshot?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	if out.At.IsZero() {
		out.At = time.Now()
	}
	return &out, nil
}

type barsResponse struct {
	Bars []domain.Bar `json:"bars"`
}

// HistoricalBars requests bars for a bounded window.
func (c *Client) HistoricalBars(
	ctx context.Context,
	key domain.ContractKey,
	w domain.HistoricalWindow,
) ([]domain.Bar, error) {
	q := url.Values{}
	q.Set("contract", string(key))
	q.Set("start", w.Start.UTC().Format(time.RFC3339))
	q.Set("end", w.End.UTC().Format(time.RFC3339))
	q.Set("barSize", w.BarSize.String())
	q.Set("rth", "true")

	var out barsResponse
	if err := c.getJSON(ctx, "/md/history?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Bars, nil
}

// Ping measures gateway liveness via the tickle endpoint.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var out map[string]any
	if err := c.getJSON(ctx, "/tickle", &out); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL()+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &domain.AuthError{Msg: "gateway returned 401"}
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
