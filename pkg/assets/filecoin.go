package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Filecoin pins content through an Estuary-style aggregation API and reads
// it back through a public retrieval gateway. There is no settled Go SDK for
// this API, so this is a plain HTTP client.
type Filecoin struct {
	client   *http.Client
	endpoint string
	token    string
	gateway  string
}

func NewFilecoin(endpoint, token, gatewayURL string, client *http.Client) *Filecoin {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Filecoin{
		client:   client,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		token:    token,
		gateway:  strings.TrimSuffix(gatewayURL, "/"),
	}
}

func (s *Filecoin) Upload(ctx context.Context, name string, data []byte) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("data", name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/content/add", body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out struct {
		CID string `json:"cid"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.CID == "" {
		return "", fmt.Errorf("%w: no cid in response", ErrUploadFailed)
	}
	return "cid://" + out.CID, nil
}

func (s *Filecoin) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resolved, err := s.ResolveURL(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("retrieve %s: status %d", resolved, resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *Filecoin) ResolveURL(ctx context.Context, rawURL string) (string, error) {
	cid, err := cidFromURL(rawURL)
	if err != nil {
		return "", err
	}
	if s.gateway == "" {
		return "", fmt.Errorf("no retrieval gateway configured for %q", rawURL)
	}
	return s.gateway + "/gw/ipfs/" + cid, nil
}
