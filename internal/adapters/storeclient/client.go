// Package storeclient reaches the shared store from a device over its HTTP API
// and websocket feed.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"github.com/gorilla/websocket"
)

// Client implements ports.SharedStore against a remote store.
type Client struct {
	base   string
	http   *http.Client
	dialer *websocket.Dialer
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// classify maps a failed response onto the error taxonomy.
func classify(code int, body []byte) error {
	var eb errorBody
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		msg = eb.Error
	}
	switch code {
	case http.StatusGone, http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrRejected, msg)
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, msg)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrPreconditionFailed, msg)
	}
	return fmt.Errorf("%w: status %d: %s", domain.ErrUnreachable, code, msg)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", domain.ErrPreconditionFailed, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPreconditionFailed, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classify(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// the write may have landed; replaying it is a no-op
		return fmt.Errorf("%w: decode response: %v", domain.ErrUnreachable, err)
	}
	return nil
}

func (c *Client) Apply(ctx context.Context, m domain.Mutation) (*domain.ApplyResult, error) {
	var res domain.ApplyResult
	if err := c.do(ctx, http.MethodPost, "/api/mutations", m, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var a domain.Agent
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) FindAgentByName(ctx context.Context, name string) (*domain.Agent, error) {
	var a domain.Agent
	if err := c.do(ctx, http.MethodGet, "/api/agents/by-name?name="+url.QueryEscape(name), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	var s domain.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/snapshot", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Ping checks that the store answers at all.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health/live", nil, nil)
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Subscribe opens the live feed. The channel closes when the connection
// drops or ctx is done.
func (c *Client) Subscribe(ctx context.Context) (<-chan domain.FeedEvent, error) {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/api/ws"
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial feed: %w", domain.ErrUnreachable, err)
	}

	out := make(chan domain.FeedEvent, 256)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, r, err := conn.NextReader()
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Feed connection lost", "error", err)
				}
				return
			}
			dec := json.NewDecoder(r)
			for {
				var env envelope
				if err := dec.Decode(&env); err != nil {
					if !errors.Is(err, io.EOF) {
						logger.Warn("Malformed feed frame", "error", err)
					}
					break
				}
				if env.Type != "feed" {
					continue
				}
				var ev domain.FeedEvent
				if err := json.Unmarshal(env.Payload, &ev); err != nil {
					logger.Warn("Malformed feed event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
