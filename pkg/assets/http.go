package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPFetcher serves assets whose descriptors point at plain web URLs.
// Upload is not offered on this backend.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

func (s *HTTPFetcher) Upload(ctx context.Context, name string, data []byte) (string, error) {
	return "", fmt.Errorf("%w: http backend is read-only", ErrBackendUnsupported)
}

func (s *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *HTTPFetcher) ResolveURL(ctx context.Context, rawURL string) (string, error) {
	return rawURL, nil
}
