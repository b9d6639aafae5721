// Package rpc provides a JSON-RPC client with retry logic, shared by the
// node-backed settlement backends.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
)

// Client is the interface for JSON-RPC communication.
type Client interface {
	// Call makes a JSON-RPC call and returns the raw result.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// CallInto makes a JSON-RPC call and decodes the result into out.
func CallInto(ctx context.Context, c Client, method string, params []any, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode %s result", method)
	}
	return nil
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response. Bitcoin Core's legacy
// 1.0 dialect sends "error": null on success, which decodes to a nil Error.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// JSONRPCError represents a JSON-RPC error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	User           string // HTTP basic auth user (bitcoind rpcuser)
	Password       string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// DefaultClientConfig returns default configuration.
// Node calls are synchronous from the worker's point of view, so the timeout
// is generous; only transport failures are retried.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

// HTTPClient implements Client over HTTP POST.
type HTTPClient struct {
	url        string
	user       string
	password   string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	nextID     *atomic.Uint64
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 128,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url:      strings.TrimRight(cfg.URL, "/"),
		user:     cfg.User,
		password: cfg.Password,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
		nextID:     new(atomic.Uint64),
	}
}

// WithPath returns a client that posts to URL+path and shares the underlying
// connection pool. Used for bitcoind wallet endpoints (/wallet/<name>).
func (c *HTTPClient) WithPath(path string) *HTTPClient {
	cp := *c
	cp.url = c.url + "/" + strings.TrimLeft(path, "/")
	return &cp
}

// URL returns the endpoint this client posts to.
func (c *HTTPClient) URL() string {
	return c.url
}

// Call makes a JSON-RPC call with retry logic. Application-level RPC errors
// and non-retryable HTTP statuses are returned immediately.
func (c *HTTPClient) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	attempt := 0
	op := func() (json.RawMessage, error) {
		attempt++
		result, err := c.doRequest(ctx, body)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if isRPCError(err) {
			return nil, backoff.Permanent(err)
		}
		var httpErr *HTTPStatusError
		if errors.As(err, &httpErr) && !httpErr.IsRetryable() {
			return nil, backoff.Permanent(err)
		}
		if delay := getRetryDelay(err, 0); delay > 0 {
			select {
			case <-ctx.Done():
				return nil, backoff.Permanent(ctx.Err())
			case <-time.After(delay):
			}
		}
		return nil, err
	}

	notify := func(err error, next time.Duration) {
		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
			slog.Duration("backoff", next),
		)
	}

	result, err := backoff.RetryNotifyWithData(op, c.newBackoff(ctx), notify)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", method)
	}
	return result, nil
}

func (c *HTTPClient) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.backoff > 0 {
		b.InitialInterval = c.backoff
	}
	if c.maxBackoff > 0 {
		b.MaxInterval = c.maxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()

	retries := c.maxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.user != "" || c.password != "" {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	var rpcResp JSONRPCResponse
	decodeErr := json.Unmarshal(respBody, &rpcResp)

	// Bitcoin Core answers RPC-level failures with HTTP 500/404 and a JSON
	// error body; surface those as RPC errors rather than HTTP errors.
	if decodeErr == nil && rpcResp.Error != nil {
		return nil, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	if resp.StatusCode != http.StatusOK {
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		errBody := respBody
		if len(errBody) > 1024 {
			errBody = errBody[:1024]
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       strings.TrimSpace(string(errBody)),
		}
	}

	if decodeErr != nil {
		return nil, errors.Wrap(decodeErr, "failed to unmarshal response")
	}

	return rpcResp.Result, nil
}

// RPCError is an application-level JSON-RPC error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return "RPC error " + strconv.Itoa(e.Code) + ": " + e.Message
}

func isRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// AsRPCError extracts an *RPCError from err's chain.
func AsRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return "HTTP " + strconv.Itoa(e.StatusCode) + ": " + http.StatusText(e.StatusCode) + " (body: " + e.Body + ")"
	}
	return "HTTP " + strconv.Itoa(e.StatusCode) + ": " + http.StatusText(e.StatusCode)
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	// 429 Too Many Requests, 502 Bad Gateway, 503 Service Unavailable, 504 Gateway Timeout
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}
