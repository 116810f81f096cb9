// Package remote talks to the server side of the sync protocol: a JSON
// HTTP API for pushing and pulling rows, and a websocket change feed
// that nudges connected devices when another device writes.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ledgersync/ledgersync/internal/schema"
)

// Endpoint is the remote surface the sync engine needs. The production
// implementation is Client; tests substitute in-memory fakes.
type Endpoint interface {
	// Upsert pushes one row. The server applies last-write-wins against
	// its own copy and returns the row as accepted, with the
	// authoritative server_updated_at and version filled in. Upsert is
	// idempotent: replaying the same row yields the same outcome.
	Upsert(ctx context.Context, table string, rec schema.Record) (schema.Record, error)

	// Changes returns rows of the table whose server_updated_at is
	// strictly greater than since, ordered by server_updated_at, paged
	// by limit/offset. Tombstones are included.
	Changes(ctx context.Context, table string, since int64, limit, offset int) ([]schema.Record, error)
}

// Config holds client construction options.
type Config struct {
	// BaseURL is the API root, e.g. https://sync.example.com/api.
	BaseURL string

	// Token is the bearer credential for the authenticated user.
	Token string

	// HTTPClient overrides the default client; mainly for tests.
	HTTPClient *http.Client

	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration

	// Logger for request failures. Defaults to stderr.
	Logger *log.Logger
}

// Client is the HTTP implementation of Endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *log.Logger
}

// NewClient builds an HTTP endpoint client.
func NewClient(config *Config) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", config.BaseURL, err)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = timeout
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		http:    httpClient,
		logger:  logger,
	}, nil
}

// Upsert implements Endpoint.
func (c *Client) Upsert(ctx context.Context, table string, rec schema.Record) (schema.Record, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal row: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/v1/"+table+"/upsert", body)
	if err != nil {
		return nil, err
	}

	var acked schema.Record
	if err := json.Unmarshal(data, &acked); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("malformed upsert response: %w", err)}
	}
	return acked, nil
}

// Changes implements Endpoint.
func (c *Client) Changes(ctx context.Context, table string, since int64, limit, offset int) ([]schema.Record, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	data, err := c.do(ctx, http.MethodGet, "/v1/"+table+"/changes?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var rows []schema.Record
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("malformed changes response: %w", err)}
	}
	return rows, nil
}

// do runs one request and classifies the outcome into the error
// taxonomy the sync engine keys retries off.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Err: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &ValidationError{Err: fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(data, 200))}
	default:
		return nil, &TransientError{Err: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
