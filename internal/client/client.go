// Package client talks to the pastebin JSON API.
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
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the API root of a locally running server.
const DefaultBaseURL = "http://localhost:3000/api"

// ErrUnavailable is returned by Get when the paste does not exist, has
// expired or has reached its view limit.
var ErrUnavailable = errors.New("paste not found, has expired, or has reached its view limit")

// APIError is any other non-2xx answer.
type APIError struct {
	Status  int
	Message string
	Details map[string]string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if len(e.Details) > 0 {
		parts := make([]string, 0, len(e.Details))
		for field, reason := range e.Details {
			parts = append(parts, field+": "+reason)
		}
		msg += " (" + strings.Join(parts, ", ") + ")"
	}
	return fmt.Sprintf("pastebin api: %d %s", e.Status, msg)
}

// CreateRequest mirrors the create payload. Nil limits mean unlimited.
type CreateRequest struct {
	Content    string `json:"content"`
	TTLSeconds *int64 `json:"ttl_seconds"`
	MaxViews   *int64 `json:"max_views"`
}

// Created is the server's answer to a create call.
type Created struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Paste is a successfully read paste.
type Paste struct {
	Content        string     `json:"content"`
	RemainingViews *int       `json:"remaining_views"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

// Client calls the API rooted at a base URL such as DefaultBaseURL.
type Client struct {
	baseURL string
	http    *http.Client
	nowMs   int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTestNow sends the X-Test-Now-Ms header on every request. Servers
// outside test mode ignore it.
func WithTestNow(t time.Time) Option {
	return func(c *Client) { c.nowMs = t.UnixMilli() }
}

// New returns a Client for baseURL, or DefaultBaseURL when empty.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create stores a new paste.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var out Created
	if err := c.do(ctx, http.MethodPost, "/pastes", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get reads a paste, consuming one view.
func (c *Client) Get(ctx context.Context, id string) (*Paste, error) {
	var out Paste
	err := c.do(ctx, http.MethodGet, "/pastes/"+url.PathEscape(id), nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reports whether the server and its store are up. Transport failures
// count as unhealthy.
func (c *Client) Health(ctx context.Context) bool {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return false
	}
	return out.OK
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.nowMs != 0 {
		req.Header.Set("X-Test-Now-Ms", strconv.FormatInt(c.nowMs, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error   string            `json:"error"`
			Details map[string]string `json:"details"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Message = payload.Error
			apiErr.Details = payload.Details
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
