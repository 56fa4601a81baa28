// Package client is a thin HTTP client for the agent guard decision API.
package client

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

	"github.com/cenkalti/backoff/v5"

	"github.com/triage-ai/palisade/services/agent_guard/internal/api"
)

// DefaultTimeout bounds each HTTP request.
const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent guard: HTTP %d: %s", e.Status, e.Detail)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusBadGateway || e.Status == http.StatusGatewayTimeout
}

// Client calls the decision API.
type Client struct {
	base     string
	key      string
	http     *http.Client
	maxTries uint
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetries sets how many times a request that failed with a transport
// error or a 502/503/504 is attempted in total.
func WithRetries(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTries = n
		}
	}
}

// New returns a client for the server at baseURL authenticating with key.
// An empty key sends no Authorization header.
func New(baseURL, key string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: invalid base url %q", baseURL)
	}
	c := &Client{
		base:     strings.TrimRight(baseURL, "/"),
		key:      key,
		http:     &http.Client{Timeout: DefaultTimeout},
		maxTries: 1,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Intercept submits one message for a decision.
func (c *Client) Intercept(ctx context.Context, req api.InterceptRequest) (*api.VerdictResponse, error) {
	var out api.VerdictResponse
	if err := c.do(ctx, http.MethodPost, "/v1/intercept", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Isolate manually isolates an agent.
func (c *Client) Isolate(ctx context.Context, agentID, reason string) (*api.ControlResponse, error) {
	var out api.ControlResponse
	if err := c.do(ctx, http.MethodPost, agentPath(agentID, "isolate"), api.ControlRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Release returns an agent to NOT_ISOLATED.
func (c *Client) Release(ctx context.Context, agentID, reason string) (*api.ControlResponse, error) {
	var out api.ControlResponse
	if err := c.do(ctx, http.MethodPost, agentPath(agentID, "release"), api.ControlRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// State returns one agent's isolation state.
func (c *Client) State(ctx context.Context, agentID string) (*api.AgentStateResp, error) {
	var out api.AgentStateResp
	if err := c.do(ctx, http.MethodGet, agentPath(agentID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Isolated lists every isolated agent.
func (c *Client) Isolated(ctx context.Context) (*api.AgentListResp, error) {
	var out api.AgentListResp
	if err := c.do(ctx, http.MethodGet, "/v1/agents", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Policy returns the policy in force.
func (c *Client) Policy(ctx context.Context) (*api.PolicyResp, error) {
	var out api.PolicyResp
	if err := c.do(ctx, http.MethodGet, "/v1/policy", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func agentPath(id, action string) string {
	p := "/v1/agents/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.once(ctx, method, path, body, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	return err
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResp
		if json.Unmarshal(data, &e) != nil || e.Detail == "" {
			e.Detail = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Detail: e.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
