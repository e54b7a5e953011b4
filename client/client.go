// Package client talks to the personalization backend: the per-organization
// variation catalog, the server-confirmed assignment lookup and the visual
// companion endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/persona/variation"
)

var (
	// ErrStatus wraps non-2xx responses.
	ErrStatus = errors.New("client: unexpected status")
	// ErrUnsuccessful is returned when the backend answers success=false.
	ErrUnsuccessful = errors.New("client: backend reported failure")
)

// StatusError carries the HTTP status of a failed call.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: unexpected status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Assignment is the server's answer for a (visitor, page) pair.
type Assignment struct {
	Cached    bool                 `json:"cached"`
	Variation *variation.Variation `json:"variation"`
}

// VisualRequest is the body of a visual companion fetch.
type VisualRequest struct {
	CurrentAgent         string         `json:"current_agent"`
	CollectedData        map[string]any `json:"collected_data"`
	TurnNumber           int            `json:"turn_number"`
	LastUserMessage      string         `json:"last_user_message"`
	LastAssistantMessage string         `json:"last_assistant_message"`
}

// Visual is a generated visual fragment.
type Visual struct {
	HTML         string `json:"html"`
	Transition   string `json:"transition,omitempty"`
	Mood         string `json:"mood,omitempty"`
	FocusElement string `json:"focus_element,omitempty"`
}

// Client is a backend client. Safe for concurrent use.
type Client struct {
	base       *url.URL
	http       *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetries sets retry count and base backoff (doubled per attempt).
// Default: 2 retries, 200ms.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:       u,
		http:       &http.Client{Timeout: 10 * time.Second},
		maxRetries: 2,
		backoff:    200 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, fn := range opts {
		fn(c)
	}
	return c, nil
}

// FetchCatalog returns the organization's variation catalog in source order.
func (c *Client) FetchCatalog(ctx context.Context, orgID string) (variation.Catalog, error) {
	q := url.Values{"organizationId": {orgID}}
	var resp struct {
		Success    bool              `json:"success"`
		Variations variation.Catalog `json:"variations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/personalization/variations", q, nil, &resp); err != nil {
		return variation.Catalog{}, fmt.Errorf("client: fetch catalog: %w", err)
	}
	if !resp.Success {
		return variation.Catalog{}, fmt.Errorf("client: fetch catalog: %w", ErrUnsuccessful)
	}
	return resp.Variations, nil
}

// LookupPersonalization asks the backend which variation, if any, it
// assigned to visitorID on pageURL.
func (c *Client) LookupPersonalization(ctx context.Context, visitorID, pageURL, orgID string) (Assignment, error) {
	q := url.Values{
		"visitorId":      {visitorID},
		"pageUrl":        {pageURL},
		"organizationId": {orgID},
	}
	var resp struct {
		Success bool `json:"success"`
		Assignment
	}
	if err := c.do(ctx, http.MethodGet, "/api/personalization", q, nil, &resp); err != nil {
		return Assignment{}, fmt.Errorf("client: lookup personalization: %w", err)
	}
	if !resp.Success {
		return Assignment{}, fmt.Errorf("client: lookup personalization: %w", ErrUnsuccessful)
	}
	return resp.Assignment, nil
}

// FetchVisual requests a fresh visual fragment for a conversation flow.
func (c *Client) FetchVisual(ctx context.Context, flowID string, req VisualRequest) (Visual, error) {
	if req.CollectedData == nil {
		req.CollectedData = map[string]any{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Visual{}, fmt.Errorf("client: marshal visual request: %w", err)
	}
	var v Visual
	path := "/api/flows/" + url.PathEscape(flowID) + "/visual-companion"
	if err := c.do(ctx, http.MethodPost, path, nil, body, &v); err != nil {
		return Visual{}, fmt.Errorf("client: fetch visual: %w", err)
	}
	return v, nil
}

// do sends one request with retries on transport errors and 5xx replies.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, out any) error {
	u := c.base.JoinPath(path)
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * (1 << uint(attempt-1))
			c.logger.WarnContext(ctx, "client: retrying",
				"path", path, "attempt", attempt, "backoff_ms", wait.Milliseconds(), "error", lastErr)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		retry, err := c.once(ctx, method, u.String(), body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, target string, body []byte, out any) (retry bool, err error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return false, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}
