package downloader

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// ClientOptions configures the HTTP client shared by all actors.
type ClientOptions struct {
	// ConnectTimeout bounds dial and TLS handshake.
	// Default: 30s
	ConnectTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers.
	// Default: 60s
	ResponseHeaderTimeout time.Duration

	UserAgent string

	// MaxBytesPerSecond caps the combined throughput of all downloads; 0 disables it.
	MaxBytesPerSecond int64

	// ChunkSize is the largest single read; the limiter burst is never below it.
	ChunkSize int
}

// DefaultClientOptions returns options with sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ConnectTimeout:        30 * time.Second,
		ResponseHeaderTimeout: time.Minute,
		UserAgent:             "drogue",
		ChunkSize:             32 * 1024,
	}
}

// Response is the start of a body the actor can stream.
type Response struct {
	Body       io.ReadCloser
	StatusCode int
	// Partial is true for a 206 answer; Start is then its first byte.
	Partial bool
	Start   int64
	// Total is the full resource size, -1 when the server did not say.
	Total int64
	// AcceptRanges is the raw Accept-Ranges header.
	AcceptRanges string
}

// Client fetches resources, optionally from a byte offset.
type Client struct {
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
}

// NewClient creates a client with the given options.
func NewClient(opts ClientOptions) *Client {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true, // byte offsets must refer to the raw body
	}

	c := &Client{
		// No overall timeout: bodies may stream for hours. The actor enforces an idle timeout.
		client:    &http.Client{Transport: otelhttp.NewTransport(transport)},
		userAgent: opts.UserAgent,
	}

	if opts.MaxBytesPerSecond > 0 {
		burst := max(int(opts.MaxBytesPerSecond), opts.ChunkSize, 1)
		c.limiter = rate.NewLimiter(rate.Limit(opts.MaxBytesPerSecond), burst)
	}

	return c
}

// Get requests url starting at offset. An offset of 0 sends a plain GET.
// A 206 whose Content-Range cannot be parsed yields a RangeNotHonoredError;
// any status other than 200 or 206 yields an UnexpectedStatusError.
func (c *Client) Get(ctx context.Context, url string, offset int64) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ConnectError{URL: url, Err: err}
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ConnectError{URL: url, Err: err}
	}

	out := &Response{
		Body:         resp.Body,
		StatusCode:   resp.StatusCode,
		Total:        -1,
		AcceptRanges: strings.ToLower(strings.TrimSpace(resp.Header.Get("Accept-Ranges"))),
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if resp.ContentLength >= 0 {
			out.Total = resp.ContentLength
		}
	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()

			return nil, &RangeNotHonoredError{Offset: offset, StatusCode: resp.StatusCode, Reason: err.Error()}
		}

		out.Partial = true
		out.Start = start
		out.Total = total

		if total < 0 && resp.ContentLength >= 0 {
			out.Total = start + resp.ContentLength
		}
	default:
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		resp.Body.Close()

		return nil, &UnexpectedStatusError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}

	if c.limiter != nil {
		out.Body = &throttledReader{ctx: ctx, rc: out.Body, limiter: c.limiter}
	}

	return out, nil
}

// parseContentRange parses "bytes start-end/total". total is -1 for "*".
func parseContentRange(header string) (start, total int64, err error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	rng, size, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Content-Range start: %w", err)
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, fmt.Errorf("invalid Content-Range end in %q", header)
	}

	if size == "*" {
		return start, -1, nil
	}

	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil || total <= end {
		return 0, 0, fmt.Errorf("invalid Content-Range total in %q", header)
	}

	return start, total, nil
}
