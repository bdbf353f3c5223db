// Package rest implements the backend interfaces against a
// Supabase-compatible HTTP API: /rest/v1 for table CRUD, /auth/v1 for
// identity and /storage/v1 for blobs.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mvolkov/roomsync/internal/backend"
)

// Client talks to the backend over HTTP. It implements backend.API,
// backend.Auth and backend.Blobs.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	mu      sync.RWMutex
	session *backend.Session
}

// New creates a client for the given base URL and anon API key.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// AccessToken returns the current bearer token (the anon key when signed out).
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session != nil {
		return c.session.AccessToken
	}
	return c.apiKey
}

func (c *Client) setSession(s *backend.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.AccessToken())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &backend.StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// encodeQuery renders a Query as PostgREST query parameters.
func encodeQuery(q backend.Query) url.Values {
	vals := url.Values{}
	for _, f := range q.Filters {
		vals.Add(f.Column, string(f.Op)+"."+encodeValue(f.Op, f.Value))
	}
	if q.OrderBy != "" {
		dir := "desc"
		if q.Ascending {
			dir = "asc"
		}
		vals.Set("order", q.OrderBy+"."+dir)
	}
	if q.Limit > 0 {
		vals.Set("limit", strconv.Itoa(q.Limit))
	}
	return vals
}

func encodeValue(op backend.Op, v any) string {
	if op == backend.OpIn {
		switch vv := v.(type) {
		case []string:
			return "(" + strings.Join(vv, ",") + ")"
		}
	}
	switch vv := v.(type) {
	case string:
		return vv
	case time.Time:
		return vv.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return vv.String()
	default:
		return fmt.Sprint(vv)
	}
}

func tablePath(table string, q backend.Query) string {
	vals := encodeQuery(q)
	p := "/rest/v1/" + table
	if enc := vals.Encode(); enc != "" {
		p += "?" + enc
	}
	return p
}

// Select fetches all rows matching the query.
func (c *Client) Select(ctx context.Context, table string, q backend.Query) ([]json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, tablePath(table, q), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var rows []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

// Single fetches exactly one row, or backend.ErrNotFound.
func (c *Client) Single(ctx context.Context, table string, q backend.Query) (json.RawMessage, error) {
	q.Limit = 1
	rows, err := c.Select(ctx, table, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, backend.ErrNotFound
	}
	return rows[0], nil
}

// Insert writes one row or a slice of rows and returns the stored rows.
func (c *Client) Insert(ctx context.Context, table string, rows any) ([]json.RawMessage, error) {
	body, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	// PostgREST expects an array even for a single row.
	if len(body) > 0 && body[0] != '[' {
		body = append(append([]byte{'['}, body...), ']')
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/rest/v1/"+table, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "return=representation")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var stored []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, fmt.Errorf("decode inserted rows: %w", err)
	}
	return stored, nil
}

// Update patches all rows matching the query.
func (c *Client) Update(ctx context.Context, table string, q backend.Query, patch any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPatch, tablePath(table, q), bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Delete removes all rows matching the query.
func (c *Client) Delete(ctx context.Context, table string, q backend.Query) error {
	req, err := c.newRequest(ctx, http.MethodDelete, tablePath(table, q), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Count returns the number of rows matching the query without fetching them.
func (c *Client) Count(ctx context.Context, table string, q backend.Query) (int, error) {
	req, err := c.newRequest(ctx, http.MethodHead, tablePath(table, q), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Prefer", "count=exact")
	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	// Content-Range: 0-24/25 — the total follows the slash.
	cr := resp.Header.Get("Content-Range")
	idx := strings.LastIndex(cr, "/")
	if idx < 0 {
		return 0, fmt.Errorf("backend: malformed Content-Range %q", cr)
	}
	n, err := strconv.Atoi(cr[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("backend: malformed count in %q", cr)
	}
	return n, nil
}
