// Package assets gates access to asset content: it resolves a verified
// identity's DID to file descriptors on the ledger and serves the bytes
// from the storage backend that holds them.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrBackendUnsupported = errors.New("backend not supported")
	ErrUploadFailed       = errors.New("upload failed")
)

// Backend stores and retrieves asset content. Implementations must be safe
// for concurrent use.
type Backend interface {
	// Upload stores data under name and returns its canonical URL.
	Upload(ctx context.Context, name string, data []byte) (string, error)
	// Download opens the content behind a URL previously returned by any
	// instance of this backend kind.
	Download(ctx context.Context, rawURL string) (io.ReadCloser, error)
	// ResolveURL returns a client-fetchable URL for the content, signing
	// it when the backend requires credentials.
	ResolveURL(ctx context.Context, rawURL string) (string, error)
}

// Backend names accepted by the upload endpoint.
const (
	BackendIPFS     = "ipfs"
	BackendFilecoin = "filecoin"
	BackendS3       = "s3"
)

// Registry is the closed set of configured backends.
type Registry struct {
	byName map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]Backend{}}
}

func (r *Registry) Register(name string, b Backend) {
	if b == nil {
		return
	}
	r.byName[strings.ToLower(strings.TrimSpace(name))] = b
}

// ByName resolves an upload backend; unknown or unconfigured names fail.
func (r *Registry) ByName(name string) (Backend, error) {
	b, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendUnsupported, name)
	}
	return b, nil
}

// ForURL picks the backend that can serve a stored URL by its scheme.
// cid:// and ipfs:// go to the content-addressed store, s3:// to object
// storage, http(s) to the plain fetcher.
func (r *Registry) ForURL(rawURL string) (Backend, error) {
	switch {
	case strings.HasPrefix(rawURL, "cid://"), strings.HasPrefix(rawURL, "ipfs://"):
		if b, ok := r.byName[BackendIPFS]; ok {
			return b, nil
		}
		if b, ok := r.byName[BackendFilecoin]; ok {
			return b, nil
		}
	case strings.HasPrefix(rawURL, "s3://"):
		if b, ok := r.byName[BackendS3]; ok {
			return b, nil
		}
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		if b, ok := r.byName["http"]; ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: no backend for %q", ErrBackendUnsupported, rawURL)
}
