package assets

import (
	"context"
	"errors"
	"fmt"
	"io"

	"nodegate/pkg/claims"
	"nodegate/pkg/ledger"
)

// Result selects the shape of a gate resolution.
type Result string

const (
	// ResultData streams the asset bytes through the gateway.
	ResultData Result = "data"
	// ResultURL returns a client-fetchable (possibly signed) URL.
	ResultURL Result = "url"
)

var (
	// ErrDIDMissing is a malformed request, not a denial; clients may fix
	// and retry.
	ErrDIDMissing      = errors.New("DID not specified")
	ErrIndexOutOfRange = errors.New("file index out of range")
)

// Resolved is either a byte stream or a terminal URL, never both.
type Resolved struct {
	Stream      io.ReadCloser
	URL         string
	Name        string
	ContentType string
}

// Gate turns a verified identity into asset content. It performs no
// authorization itself; callers must have passed claim validation first.
type Gate struct {
	Keeper   ledger.Keeper
	Backends *Registry
}

// Resolve looks up the identity's DID on the ledger and serves the file at
// index in the requested result shape.
func (g *Gate) Resolve(ctx context.Context, identity claims.Identity, index int, format Result) (*Resolved, error) {
	if identity.DID == "" {
		return nil, ErrDIDMissing
	}
	files, err := g.Keeper.ResolveServiceFiles(ctx, identity.DID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(files) {
		return nil, fmt.Errorf("%w: index %d of %d files", ErrIndexOutOfRange, index, len(files))
	}
	file := files[index]
	backend, err := g.Backends.ForURL(file.URL)
	if err != nil {
		return nil, err
	}
	if format == ResultURL {
		resolved, err := backend.ResolveURL(ctx, file.URL)
		if err != nil {
			return nil, err
		}
		return &Resolved{URL: resolved, Name: file.Name, ContentType: file.ContentType}, nil
	}
	stream, err := backend.Download(ctx, file.URL)
	if err != nil {
		return nil, err
	}
	return &Resolved{Stream: stream, Name: file.Name, ContentType: file.ContentType}, nil
}
