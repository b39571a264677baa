// Package thingspeak implements the client for a ThingSpeak compatible time-series service
package thingspeak

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultHost is the public ThingSpeak API host
	DefaultHost = "api.thingspeak.com"

	// DefaultTimeout bounds requests whose context has no deadline
	DefaultTimeout = 10 * time.Second

	// WriteKeyLength is the length of every valid channel write key
	WriteKeyLength = 16

	maxResponseSize = 1 << 20
)

// Doer executes HTTP requests (satisfied by *http.Client)
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the remote service
type Client struct {
	host       string
	scheme     string
	httpClient Doer
	userAgent  string
	timeout    time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP transport
func WithHTTPClient(d Doer) Option {
	return func(c *Client) {
		c.httpClient = d
	}
}

// WithScheme sets the URL scheme ("https" by default)
func WithScheme(scheme string) Option {
	return func(c *Client) {
		c.scheme = scheme
	}
}

// WithTimeout sets the bound for calls whose context carries no deadline.
// A context deadline always wins, longer or shorter.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a client for host (DefaultHost when empty)
func NewClient(host string, opts ...Option) *Client {
	if host == "" {
		host = DefaultHost
	}

	c := &Client{
		host:       host,
		scheme:     "https",
		httpClient: &http.Client{},
		userAgent:  "tsbridge",
		timeout:    DefaultTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Host returns the default host of the client
func (c *Client) Host() string {
	return c.host
}

// UpdateRequest is the payload of one channel update
type UpdateRequest struct {
	// Host overrides the client host (alternate host:port), empty uses the default
	Host string

	Key       string
	Fields    [MaxFields]string
	Latitude  float64
	Longitude float64
	Elevation int

	// Optional social-post annotation
	Twitter string
	Tweet   string
}

// Values encodes the request parameters
func (r *UpdateRequest) Values() url.Values {
	params := url.Values{}
	params.Set("key", r.Key)
	for i, v := range r.Fields {
		params.Set("field"+strconv.Itoa(i+1), v)
	}
	params.Set("latitude", strconv.FormatFloat(r.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(r.Longitude, 'f', -1, 64))
	params.Set("elevation", strconv.Itoa(r.Elevation))
	if r.Twitter != "" {
		params.Set("twitter", r.Twitter)
		if r.Tweet != "" {
			params.Set("tweet", r.Tweet)
		}
	}
	return params
}

// Redacted encodes the request parameters with the key masked
func (r *UpdateRequest) Redacted() url.Values {
	params := r.Values()
	params.Set("key", "********")
	return params
}

// Update uploads one entry and maps the response
func (c *Client) Update(ctx context.Context, r *UpdateRequest) (*UpdateResponse, error) {
	status, body, err := c.do(ctx, http.MethodGet, r.Host, "/update.json", r.Values())
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, &Error{Kind: KindRejected, StatusCode: status, Reason: StatusReason(status)}
	}

	resp, ok := DecodeUpdateResponse(body)
	if !ok {
		return nil, &Error{Kind: KindRejected, Reason: "update rejected by the service"}
	}

	return resp, nil
}

// do performs a request and returns status code and body.
// GET and DELETE carry params in the query, POST and PUT as a form body.
func (c *Client) do(ctx context.Context, method, host, path string, params url.Values) (int, []byte, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var (
		req *http.Request
		err error
	)

	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.buildURL(host, path, params), nil)
	case http.MethodPost, http.MethodPut:
		req, err = http.NewRequestWithContext(ctx, method, c.buildURL(host, path, nil), strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		return 0, nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return 0, nil, &Error{Kind: KindOther, Reason: "build request", Err: err}
	}

	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, nil, classifyTransportError(err)
	}

	return resp.StatusCode, body, nil
}

func (c *Client) buildURL(host, path string, params url.Values) string {
	if host == "" {
		host = c.host
	}
	u := url.URL{
		Scheme: c.scheme,
		Host:   host,
		Path:   path,
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	return u.String()
}
