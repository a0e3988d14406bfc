package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ImageFetcher loads the raw bytes of a document image
type ImageFetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

const (
	fetchAttempts = 3
	// DefaultMaxImageBytes bounds a single downloaded page
	DefaultMaxImageBytes = 50 << 20
)

// HTTPImageFetcher downloads corpus images with a bounded retry policy
type HTTPImageFetcher struct {
	client   *http.Client
	backoff  time.Duration
	maxBytes int64
}

// NewHTTPImageFetcher creates an HTTP image fetcher with a 1s linear backoff
func NewHTTPImageFetcher() ImageFetcher {
	return newHTTPImageFetcher(time.Second)
}

func newHTTPImageFetcher(backoff time.Duration) *HTTPImageFetcher {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		MaxResponseHeaderBytes: 4096,
	}

	return &HTTPImageFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects (limit: 3)")
				}
				return nil
			},
		},
		backoff:  backoff,
		maxBytes: DefaultMaxImageBytes,
	}
}

// errClient marks a non-retryable response
var errClient = errors.New("client error")

// Fetch downloads source. 4xx responses fail immediately; 5xx and network
// errors are retried up to three attempts.
func (h *HTTPImageFetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * h.backoff):
			}
		}

		data, err := h.fetchOnce(ctx, source)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if errors.Is(err, errClient) || ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("failed to fetch image after %d attempts: %w", fetchAttempts, lastErr)
}

func (h *HTTPImageFetcher) fetchOnce(ctx context.Context, source string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", errClient, err)
	}
	req.Header.Set("Accept", "image/png, image/jpeg, image/tiff, */*")
	req.Header.Set("User-Agent", "ocr-enhance-tuner/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: status code %d", errClient, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("server error: status code %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status code %d", errClient, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxBytes {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", errClient, h.maxBytes)
	}
	return data, nil
}
