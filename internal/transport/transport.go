// Package transport provides the authenticated HTTP client for the broker
// REST and streaming APIs.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	gwerrors "oanda-gateway/internal/errors"
)

// Transport is the authenticated HTTP surface for broker calls. There are
// two variants: the live Client below and in-memory fakes used by tests and
// paper trading.
type Transport interface {
	// Request performs one REST call and returns the raw JSON response.
	// It never retries; retry policy belongs to the caller.
	Request(ctx context.Context, method, path string, params map[string]string, body interface{}) (json.RawMessage, error)
	// Stream opens a long-lived chunked response for line-delimited frames.
	Stream(ctx context.Context, path string, params map[string]string) (io.ReadCloser, error)
}

// Config holds transport configuration.
type Config struct {
	Environment    string // "practice" or "live"
	Token          string
	RequestsPerSec float64
	RequestTimeout time.Duration
}

// Client is the live broker transport. It injects bearer-token auth,
// enforces a minimum inter-request interval by delaying (never rejecting),
// and bounds every call with a timeout.
type Client struct {
	baseURL   string
	streamURL string
	token     string
	timeout   time.Duration
	limiter   *rate.Limiter
	http      *http.Client
	logger    zerolog.Logger
}

// BaseURLs returns the REST and streaming hosts for an environment.
func BaseURLs(env string) (restURL, streamURL string, err error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "practice", "demo":
		return "https://api-fxpractice.oanda.com", "https://stream-fxpractice.oanda.com", nil
	case "live":
		return "https://api-fxtrade.oanda.com", "https://stream-fxtrade.oanda.com", nil
	default:
		return "", "", fmt.Errorf("unknown broker env %q (want practice|live)", env)
	}
}

// NewClient creates a live transport client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	restURL, streamURL, err := BaseURLs(cfg.Environment)
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("transport: missing API token")
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:   restURL,
		streamURL: streamURL,
		token:     cfg.Token,
		timeout:   timeout,
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		http:      &http.Client{},
		logger:    logger.With().Str("component", "transport").Logger(),
	}, nil
}

// Request implements Transport.
func (c *Client) Request(ctx context.Context, method, path string, params map[string]string, body interface{}) (json.RawMessage, error) {
	// Delay rather than reject when the account tier's request rate is
	// exceeded.
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, gwerrors.NewTransportError(method, path, 0, "", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u, err := c.buildURL(c.baseURL, path, params)
	if err != nil {
		return nil, gwerrors.NewTransportError(method, path, 0, "", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, gwerrors.NewTransportError(method, path, 0, "", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, gwerrors.NewTransportError(method, path, 0, "", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Str("method", method).Str("path", path).Err(err).Msg("request failed")
		return nil, gwerrors.NewTransportError(method, path, 0, "", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, gwerrors.NewTransportError(method, path, resp.StatusCode, "", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, gwerrors.NewTransportError(method, path, resp.StatusCode, trimBody(data), nil)
	}

	return json.RawMessage(data), nil
}

// Stream implements Transport. The returned body stays open for the life of
// the stream; the per-request timeout does not apply, only ctx cancellation
// and the caller's idle-read handling.
func (c *Client) Stream(ctx context.Context, path string, params map[string]string) (io.ReadCloser, error) {
	u, err := c.buildURL(c.streamURL, path, params)
	if err != nil {
		return nil, gwerrors.NewTransportError(http.MethodGet, path, 0, "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, gwerrors.NewTransportError(http.MethodGet, path, 0, "", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, gwerrors.NewTransportError(http.MethodGet, path, 0, "", err)
	}

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, gwerrors.NewTransportError(http.MethodGet, path, resp.StatusCode, trimBody(data), nil)
	}

	return resp.Body, nil
}

func (c *Client) buildURL(base, path string, params map[string]string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = path

	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func trimBody(data []byte) string {
	s := strings.TrimSpace(string(data))
	const n = 512
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Ensure Client implements Transport
var _ Transport = (*Client)(nil)
