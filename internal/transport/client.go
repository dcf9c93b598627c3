// Package transport talks HTTP to the remote object store: ranged reads
// for downloads and the mkblk/bput/mkfile protocol for uploads.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Options configures the HTTP client. Timeouts are fixed for the life of
// the client.
type Options struct {
	// MaxIdleConnsPerHost bounds pooled connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// ConnectTimeout bounds dialing a connection.
	// Default: 8s
	ConnectTimeout time.Duration

	// RequestTimeout bounds waiting for response headers.
	// Default: 8s
	RequestTimeout time.Duration

	// ReadTimeout bounds a single blocked read of a response body.
	// Default: 8s
	ReadTimeout time.Duration

	// ProbeRetries is how many times a timed out probe is repeated.
	// Default: 3
	ProbeRetries int
}

// DefaultOptions returns options with the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 100,
		ConnectTimeout:      8 * time.Second,
		RequestTimeout:      8 * time.Second,
		ReadTimeout:         8 * time.Second,
		ProbeRetries:        3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.ProbeRetries < 0 {
		o.ProbeRetries = 0
	}
	return o
}

// ResourceInfo contains metadata about a remote resource.
type ResourceInfo struct {
	Size          int64
	AcceptsRanges bool
	ETag          string
	ContentType   string
}

// Client is an HTTP client tuned for many parallel long-lived transfers.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new client with the given options.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.RequestTimeout,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		DisableCompression:    true, // ranges address raw bytes
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Probe issues a metadata GET to learn the content length. Timeouts are
// retried up to ProbeRetries times; an error status fails immediately.
func (c *Client) Probe(ctx context.Context, url string, headers map[string]string) (*ResourceInfo, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.ProbeRetries; attempt++ {
		info, err := c.probe(ctx, url, headers)
		if err == nil {
			return info, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTimeout(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("probe failed after %d attempts: %w", c.opts.ProbeRetries+1, lastErr)
}

func (c *Client) probe(ctx context.Context, url string, headers map[string]string) (*ResourceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	applyHeaders(req, headers)
	req.Header.Set("Accept", "*/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	// Only the headers matter; closing early abandons the body.
	resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		return nil, err
	}
	if resp.ContentLength < 0 {
		return nil, ErrUnknownLength
	}

	return &ResourceInfo{
		Size:          resp.ContentLength,
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ETag:          strings.Trim(strings.TrimPrefix(resp.Header.Get("ETag"), "W/"), `"`),
		ContentType:   resp.Header.Get("Content-Type"),
	}, nil
}

// GetRange requests the inclusive range [begin, end]. The returned body
// fails with ErrReadTimeout when a single read blocks longer than
// ReadTimeout. Closing the body releases the connection.
func (c *Client) GetRange(ctx context.Context, url string, headers map[string]string, begin, end int64) (io.ReadCloser, error) {
	attemptCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	applyHeaders(req, headers)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", begin, end))

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// A server ignoring Range sends the whole entity, which is only
		// usable when the range starts at zero.
		if begin != 0 && resp.Header.Get("Content-Range") == "" {
			resp.Body.Close()
			cancel()
			return nil, ErrRangeNotSupported
		}
	default:
		resp.Body.Close()
		cancel()
		return nil, checkStatusCode(resp.StatusCode)
	}

	body := &idleTimeoutBody{
		rc:      resp.Body,
		ctx:     ctx,
		cancel:  cancel,
		timeout: c.opts.ReadTimeout,
	}
	body.timer = time.AfterFunc(c.opts.ReadTimeout, cancel)
	body.timer.Stop()
	return body, nil
}

// idleTimeoutBody aborts the request when one Read blocks for too long.
type idleTimeoutBody struct {
	rc      io.ReadCloser
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	timer   *time.Timer

	closeOnce sync.Once
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.rc.Read(p)
	fired := !b.timer.Stop()

	if err != nil && err != io.EOF && fired && b.ctx.Err() == nil {
		return n, fmt.Errorf("%w after %s", ErrReadTimeout, b.timeout)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.timer.Stop()
		err = b.rc.Close()
		b.cancel()
	})
	return err
}

// applyHeaders sets caller headers verbatim. Host cannot travel in the
// header map in net/http and is moved onto the request instead.
func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		if strings.EqualFold(k, "Host") {
			req.Host = v
			continue
		}
		req.Header.Set(k, v)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
