package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	apperrors "maxrelay/internal/errors"
)

// Fetcher retrieves attachment bytes from a remote URL. Injected into the
// content resolver so auth headers or a different transport are a
// construction-time change, not a redesign.
type Fetcher interface {
	Fetch(ctx context.Context, fileURL string) ([]byte, string, error)
}

type fetcher struct {
	httpClient *http.Client
	maxBytes   int64
	headers    map[string]string
}

// Option configures a Fetcher.
type Option func(*fetcher)

// WithHeaders sets extra headers sent with every fetch, e.g. authorization
// for gated attachment URLs.
func WithHeaders(headers map[string]string) Option {
	return func(f *fetcher) {
		f.headers = headers
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *fetcher) {
		f.httpClient = c
	}
}

// NewFetcher builds a Fetcher with a bounded per-request timeout and a hard
// response size cap.
func NewFetcher(timeout time.Duration, maxSizeMB int, opts ...Option) Fetcher {
	f := &fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the URL and returns the bytes and a best-effort filename.
// Errors are classified: network failures and 5xx/429 responses come back
// retryable, other HTTP errors permanent. Either way the error carries the
// FETCH_FAILED code so the pipeline treats it as scoped to one message.
func (f *fetcher) Fetch(ctx context.Context, fileURL string) ([]byte, string, error) {
	if _, err := url.ParseRequestURI(fileURL); err != nil {
		return nil, "", apperrors.NewFetchError(fileURL, http.StatusBadRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, "", apperrors.NewFetchError(fileURL, http.StatusBadRequest, err)
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", apperrors.NewFetchError(fileURL, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", apperrors.NewFetchError(fileURL, resp.StatusCode,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if resp.ContentLength > f.maxBytes {
		return nil, "", apperrors.NewFetchError(fileURL, http.StatusRequestEntityTooLarge,
			fmt.Errorf("content length %d exceeds limit %d", resp.ContentLength, f.maxBytes))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", apperrors.NewFetchError(fileURL, 0, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", apperrors.NewFetchError(fileURL, http.StatusRequestEntityTooLarge,
			fmt.Errorf("response exceeds limit %d", f.maxBytes))
	}

	return data, filenameFor(resp, fileURL), nil
}

// filenameFor picks a filename from the X-File-Name header or the URL path.
func filenameFor(resp *http.Response, fileURL string) string {
	if name := resp.Header.Get("X-File-Name"); name != "" {
		return name
	}
	if u, err := url.Parse(fileURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && !strings.Contains(base, "?") {
			return base
		}
	}
	return "file"
}
