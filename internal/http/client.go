package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Common errors.
var (
	ErrRangeNotSupported = errors.New("http: server does not support range requests")
	ErrNotFound          = errors.New("http: resource not found")
	ErrForbidden         = errors.New("http: access forbidden")
	ErrUnauthorized      = errors.New("http: unauthorized")
	ErrServerError       = errors.New("http: server error")
	ErrThrottled         = errors.New("http: request throttled")
	ErrInvalidProxyURL   = errors.New("http: invalid proxy URL")

	// ErrExpired means the storage service refused a pre-signed URL because
	// its signature expired.
	ErrExpired = errors.New("http: pre-signed URL expired")

	// ErrRangeMismatch means a ranged response does not start at the
	// requested byte.
	ErrRangeMismatch = errors.New("http: response range does not match request")
)

// Bodies of 403 responses for expired signatures, as sent by S3, GCS and
// Azure Blob Storage.
var expiredMarkers = []string{
	"Request has expired",
	"ExpiredToken",
	"Signed URL has expired",
	"Signature not valid in the specified time frame",
}

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// Timeout for individual requests. Zero leaves the deadline to the
	// request context.
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 200ms
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 5s
	RetryMaxBackoff time.Duration

	// ProxyURL routes requests through a proxy (http, https or socks5).
	// Empty means direct connections.
	ProxyURL string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 100,
		RetryAttempts:       3,
		RetryBackoff:        200 * time.Millisecond,
		RetryMaxBackoff:     5 * time.Second,
	}
}

// FileInfo contains metadata about a remote file.
type FileInfo struct {
	Size          int64
	ETag          string
	AcceptsRanges bool
	ContentType   string
	LastModified  time.Time
}

// Response is a successful GET response. The caller must close Body.
type Response struct {
	Body          io.ReadCloser
	ContentLength int64
	ETag          string

	// Size is the total object size, or -1 if the server did not say.
	Size int64
}

// Client is an HTTP client for downloading pre-signed result files.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // payload bytes must arrive untouched
	}

	if opts.ProxyURL != "" {
		if err := configureProxy(transport, opts.ProxyURL); err != nil {
			return nil, err
		}
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}, nil
}

func configureProxy(transport *http.Transport, proxyURL string) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidProxyURL, proxyURL)
	}

	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			pass, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: pass}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("socks5 proxy: %w", err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return fmt.Errorf("%w: socks5 dialer has no context support", ErrInvalidProxyURL)
		}
		transport.DialContext = cd.DialContext
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxyURL, parsed.Scheme)
	}
	return nil
}

// Head performs a HEAD request to get file metadata.
func (c *Client) Head(ctx context.Context, url string, header http.Header) (*FileInfo, error) {
	resp, err := c.do(ctx, http.MethodHead, url, header, "head")
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	info := &FileInfo{
		Size:          resp.ContentLength,
		ETag:          cleanETag(resp.Header.Get("ETag")),
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ContentType:   resp.Header.Get("Content-Type"),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info, nil
}

// Get downloads a whole object.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	resp, err := c.do(ctx, http.MethodGet, url, header, "get")
	if err != nil {
		return nil, err
	}
	return &Response{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ETag:          cleanETag(resp.Header.Get("ETag")),
		Size:          resp.ContentLength,
	}, nil
}

// GetRange downloads a portion of an object.
// startByte and endByte are inclusive (like HTTP Range header). The response
// must cover exactly that range; an object too small to hold it yields
// ErrRangeMismatch.
func (c *Client) GetRange(ctx context.Context, url string, startByte, endByte int64, header http.Header) (*Response, error) {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Range", fmt.Sprintf("bytes=%d-%d", startByte, endByte))

	resp, err := c.do(ctx, http.MethodGet, url, h, "range")
	if err != nil {
		return nil, err
	}

	contentRange := resp.Header.Get("Content-Range")

	// A 200 without Content-Range means the server ignored the Range header.
	if resp.StatusCode == http.StatusOK && contentRange == "" {
		resp.Body.Close()
		return nil, ErrRangeNotSupported
	}

	start, end, total, err := ParseContentRange(contentRange)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if start != startByte || end != endByte {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: got bytes %d-%d, want %d-%d", ErrRangeMismatch, start, end, startByte, endByte)
	}

	return &Response{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ETag:          cleanETag(resp.Header.Get("ETag")),
		Size:          total,
	}, nil
}

// do runs a request with retries on transport errors, throttling and 5xx
// responses. On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, method, url string, header http.Header, what string) (*http.Response, error) {
	var (
		lastErr    error
		retryAfter time.Duration
	)

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt, retryAfter); err != nil {
				return nil, err
			}
			retryAfter = 0
		}

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
			resp.Body.Close()
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			lastErr = fmt.Errorf("%w: %s", ErrThrottled, resp.Status)
			continue

		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %s", ErrServerError, resp.Status)
			continue

		case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
			resp.Body.Close()
			return nil, ErrRangeNotSupported

		case resp.StatusCode == http.StatusForbidden && method != http.MethodHead:
			// Pre-signed URLs report expiry only in the error body.
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if isExpired(body) {
				return nil, ErrExpired
			}
			return nil, ErrForbidden
		}

		if err := checkStatusCode(resp.StatusCode); err != nil {
			resp.Body.Close()
			return nil, err
		}

		return resp, nil
	}

	return nil, fmt.Errorf("%s request failed after %d attempts: %w", what, c.opts.RetryAttempts+1, lastErr)
}

// backoff waits for an exponentially increasing duration with jitter, or for
// the server's Retry-After hint if one was given. Both are capped at
// RetryMaxBackoff.
func (c *Client) backoff(ctx context.Context, attempt int, retryAfter time.Duration) error {
	wait := retryAfter
	if wait <= 0 {
		backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
		// 0.5 to 1.5 of backoff
		wait = time.Duration(float64(backoff) * (0.5 + rand.Float64()))
	}
	if c.opts.RetryMaxBackoff > 0 {
		wait = min(wait, c.opts.RetryMaxBackoff)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. Unparseable values yield zero.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}

func isExpired(body []byte) bool {
	for _, m := range expiredMarkers {
		if bytes.Contains(body, []byte(m)) {
			return true
		}
	}
	return false
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}
