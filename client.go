// Package linkup is the client-side sync engine for LinkUp chat: an
// offline-first cache, a queue of pending user actions, realtime chat
// sessions and an inbox aggregator.
//
// Example:
//
//	backend := linkup.NewMemoryBackend()
//	session := linkup.NewSession(backend.Connect(), cache, linkup.SessionConfig{
//		Self: linkup.Profile{UID: "alice"},
//		Peer: linkup.Profile{UID: "bob"},
//	})
//	if err := session.Open(ctx); err != nil { ... }
//	session.Send(ctx, "hi")
//
//	// REST glue
//	client := linkup.NewClient(token)
//	flusher := linkup.NewFlusher(queue, client, 0, logger)
package linkup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.linkup.social"
	DefaultTimeout = 15 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the LinkUp REST backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a REST client authenticating with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, 0, fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
		}
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// call performs a request and unwraps the {ok, data, error} envelope.
func call[T any](ctx context.Context, c *Client, method, path string, body interface{}, query url.Values) (T, error) {
	var zero T
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return zero, err
	}
	c.log.Debug("api: response", zap.String("method", method), zap.String("path", path), zap.Int("status", status))

	resp, decodeErr := decodeJSON[APIResponse[T]](data)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		apiErr := &APIError{Code: "UNAUTHORIZED", Message: http.StatusText(status), Status: status}
		if decodeErr == nil && resp.Error != nil {
			apiErr.Code, apiErr.Message = resp.Error.Code, resp.Error.Message
		}
		return zero, apiErr
	}
	if decodeErr != nil {
		if status >= 400 {
			return zero, &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status), Status: status}
		}
		return zero, decodeErr
	}
	if !resp.OK || status >= 400 {
		apiErr := &APIError{Code: "REQUEST_FAILED", Message: "request failed", Status: status}
		if resp.Error != nil {
			apiErr.Code, apiErr.Message = resp.Error.Code, resp.Error.Message
		}
		return zero, apiErr
	}
	return resp.Data, nil
}

// ============================================================================
// Likes sync
// ============================================================================

// SyncLikes sends the pending like toggles of uid and returns the target ids
// the backend confirmed.
func (c *Client) SyncLikes(ctx context.Context, uid string, ops []PendingOperation) ([]string, error) {
	data, err := call[SyncData](ctx, c, http.MethodPost, "/api/likes/sync", &SyncRequest{UID: uid, Ops: ops}, nil)
	if err != nil {
		return nil, err
	}
	return data.Confirmed, nil
}

// SyncPending implements SyncEndpoint.
func (c *Client) SyncPending(ctx context.Context, actorUID string, ops []PendingOperation) ([]string, error) {
	return c.SyncLikes(ctx, actorUID, ops)
}

// ============================================================================
// Feed
// ============================================================================

// Feed returns the page of posts after cursor. A zero cursor starts at the
// newest post.
func (c *Client) Feed(ctx context.Context, cursor FeedCursor, limit int) (*FeedPage, error) {
	q := url.Values{}
	if cursor.LastID != "" {
		q.Set("lastCreatedAt", strconv.FormatInt(cursor.LastCreatedAt, 10))
		q.Set("lastId", cursor.LastID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	page, err := call[FeedPage](ctx, c, http.MethodGet, "/api/feed", nil, q)
	if err != nil {
		return nil, err
	}
	return &page, nil
}
