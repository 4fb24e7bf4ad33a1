// Package remote is the HTTP layer shared by the login and entitlement flows:
// a throttled client that never follows redirects and the classification of
// error responses returned by the record system.
package remote

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

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrBodyTooLarge is returned when a response body exceeds the client's cap.
var ErrBodyTooLarge = errors.New("response body too large")

// UserAgentHeader carries the primary system's product identifier.
const UserAgentHeader = "x-useragent"

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Location returns the redirect target of the response.
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// Request describes one outbound call.
type Request struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	ContentType string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Its redirect policy is
// replaced; the client passed in is not modified.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit throttles outbound requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithUserAgent sets the x-useragent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger sets the logger for request/response tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMaxBodySize caps the number of response body bytes read.
func WithMaxBodySize(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// Client performs HTTP exchanges. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	logger     zerolog.Logger
	maxBody    int64
}

// NewClient creates a Client with a 30 second overall timeout and a 1 MiB
// response body cap.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
		maxBody:    1 << 20,
	}
	for _, o := range opts {
		o(c)
	}

	hc := *c.httpClient
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.httpClient = &hc
	return c
}

// Do sends the request and reads the response body.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", r.Method, r.URL, err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set(UserAgentHeader, c.userAgent)
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).
			Str("method", r.Method).
			Str("url", r.URL).
			Dur("latency", time.Since(start)).
			Msg("remote exchange failed")
		return nil, fmt.Errorf("%s %s: %w", r.Method, r.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading response of %s %s: %w", r.Method, r.URL, err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("%w: response of %s %s (status %d) exceeds %d bytes",
			ErrBodyTooLarge, r.Method, r.URL, resp.StatusCode, c.maxBody)
	}

	c.logger.Debug().
		Str("method", r.Method).
		Str("url", r.URL).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("remote exchange")

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Header: header})
}

// PostJSON marshals v and POSTs it as application/json.
func (c *Client) PostJSON(ctx context.Context, rawURL string, header http.Header, v interface{}) (*Response, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}
	return c.Do(ctx, Request{
		Method:      http.MethodPost,
		URL:         rawURL,
		Header:      header,
		Body:        payload,
		ContentType: "application/json",
	})
}

// PostForm POSTs url-encoded form values.
func (c *Client) PostForm(ctx context.Context, rawURL string, header http.Header, form url.Values) (*Response, error) {
	return c.Do(ctx, Request{
		Method:      http.MethodPost,
		URL:         rawURL,
		Header:      header,
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
	})
}

// DecodeJSON unmarshals the response body into v.
func DecodeJSON(resp *Response, v interface{}) error {
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return fmt.Errorf("empty response body (status %d)", resp.StatusCode)
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decoding response body (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

// JoinURL appends path to base, avoiding duplicate slashes.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
