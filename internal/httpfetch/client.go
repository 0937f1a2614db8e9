// Package httpfetch downloads resources over HTTP into a staging directory.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"time"

	"github.com/mmcdole/rescache/internal/domain"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "rescache/1.0"
)

// StatusError reports a non-200 response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d for %s", e.StatusCode, e.URL)
}

// Client implements domain.Fetcher.
type Client struct {
	stagingDir string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client writing temporary files into stagingDir, which should be
// on the same filesystem as the content store.
func New(stagingDir string, opts ...Option) *Client {
	c := &Client{
		stagingDir: stagingDir,
		userAgent:  defaultUserAgent,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Download GETs url and streams the body into a new temp file.
// The caller owns the returned temp file. With a non-empty etag the request
// carries If-None-Match and a 304 yields a NotModified download without a file.
func (c *Client) Download(ctx context.Context, url, etag string) (*domain.Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	c.logger.Debug("http download", "url", url, "etag", etag)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Error("http download failed", "url", url, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && etag != "" {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &domain.Download{
			ETag:        etag,
			Header:      resp.Header.Clone(),
			NotModified: true,
		}, nil
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.logger.Error("http download error", "url", url, "status", resp.StatusCode)
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(c.stagingDir, "dl-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := tmp.Name()

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &domain.Download{
		TempPath: path,
		MimeType: mediaType(resp.Header.Get("Content-Type")),
		Size:     n,
		ETag:     resp.Header.Get("ETag"),
		Header:   resp.Header.Clone(),
	}, nil
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}
