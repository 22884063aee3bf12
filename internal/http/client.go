package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net/http"
	"time"
)

// Common errors.
var (
	ErrRangeNotSupported   = errors.New("http: server does not support range requests")
	ErrRangeNotSatisfiable = errors.New("http: range not satisfiable")
	ErrRangeMismatch       = errors.New("http: server returned a different range")
	ErrBadRequest          = errors.New("http: bad request")
	ErrNotFound            = errors.New("http: resource not found")
	ErrForbidden           = errors.New("http: access forbidden")
	ErrUnauthorized        = errors.New("http: unauthorized")
	ErrServerError         = errors.New("http: server error")
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// Timeout for response headers. Bodies are bounded by the caller's context.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		Timeout:             30 * time.Second,
		RetryAttempts:       5,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
	}
}

// FileInfo contains metadata about a relayed file.
type FileInfo struct {
	Size          int64
	AcceptsRanges bool
	ContentType   string
	Filename      string
}

// RangeResponse represents a response from a range request.
type RangeResponse struct {
	Body  io.ReadCloser
	Range ByteRange
	Total int64
}

// Client downloads from the relay, resuming interrupted bodies with range
// requests.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		DisableCompression:    true, // We want raw bytes for range requests
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// do sends the request built by newReq, retrying transport errors and 5xx
// responses. The returned response has a non-5xx status.
func (c *Client) do(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %s", ErrServerError, resp.Status)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// Head performs a HEAD request to get file metadata.
func (c *Client) Head(ctx context.Context, url string) (*FileInfo, error) {
	resp, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	})
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		return nil, err
	}

	info := &FileInfo{
		Size:          resp.ContentLength,
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ContentType:   resp.Header.Get("Content-Type"),
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		info.Filename = params["filename"]
	}
	return info, nil
}

// GetRange requests bytes [startByte, endByte] and verifies that the server
// answered with exactly that range.
func (c *Client) GetRange(ctx context.Context, url string, startByte, endByte int64) (*RangeResponse, error) {
	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Range", FormatRange(startByte, endByte))
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		resp.Body.Close()
		return nil, ErrRangeNotSupported
	default:
		resp.Body.Close()
		if err := checkStatusCode(resp.StatusCode); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	r, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if r.Start != startByte || r.End != endByte {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: asked %d-%d, got %d-%d", ErrRangeMismatch, startByte, endByte, r.Start, r.End)
	}

	return &RangeResponse{Body: resp.Body, Range: r, Total: total}, nil
}

// CopyRange writes bytes [startByte, endByte] of url to w. A body that ends
// early is resumed from the first missing byte. onProgress, if set, is called
// with the size of every write.
func (c *Client) CopyRange(ctx context.Context, url string, w io.Writer, startByte, endByte int64, onProgress func(int64)) (int64, error) {
	var written int64
	resumes := 0

	for startByte+written <= endByte {
		resp, err := c.GetRange(ctx, url, startByte+written, endByte)
		if err != nil {
			return written, err
		}

		n, err := copyWithProgress(w, resp.Body, onProgress)
		resp.Body.Close()
		written += n

		if err == nil && startByte+written > endByte {
			break
		}
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		var werr *writeError
		if errors.As(err, &werr) {
			return written, werr.err
		}

		resumes++
		if resumes > c.opts.RetryAttempts {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return written, fmt.Errorf("body interrupted %d times: %w", resumes, err)
		}
		if err := c.backoff(ctx, resumes); err != nil {
			return written, err
		}
	}
	return written, nil
}

type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }

func copyWithProgress(w io.Writer, r io.Reader, onProgress func(int64)) (int64, error) {
	buf := make([]byte, 256*1024)
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, &writeError{err}
			}
			total += int64(n)
			if onProgress != nil {
				onProgress(int64(n))
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest:
		return ErrBadRequest
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfiable
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}
