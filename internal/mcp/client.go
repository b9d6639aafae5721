// Package mcp exposes the settleload HTTP API as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultURL is the API address used when none is configured.
const DefaultURL = "http://localhost:3001"

// Client is a thin HTTP client for the settleload API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new settleload API client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Get performs a GET request and returns the raw JSON body.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}

	if resp.StatusCode >= 400 {
		return body, errors.Newf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return json.RawMessage(body), nil
}

// GetJSON performs a GET request and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	raw, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "decoding %s", path)
}
