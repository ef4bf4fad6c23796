package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"
)

// IPFS stores content on an IPFS node through its HTTP API.
type IPFS struct {
	shell   *shell.Shell
	gateway string
}

func NewIPFS(apiURL, gatewayURL string, client *http.Client) *IPFS {
	var sh *shell.Shell
	if client != nil {
		sh = shell.NewShellWithClient(apiURL, client)
	} else {
		sh = shell.NewShell(apiURL)
	}
	return &IPFS{shell: sh, gateway: strings.TrimSuffix(gatewayURL, "/")}
}

func (s *IPFS) Upload(ctx context.Context, name string, data []byte) (string, error) {
	cid, err := s.shell.Add(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: ipfs add: %v", ErrUploadFailed, err)
	}
	return "cid://" + cid, nil
}

func (s *IPFS) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	cid, err := cidFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	rc, err := s.shell.Cat(cid)
	if err != nil {
		return nil, fmt.Errorf("ipfs cat %s: %w", cid, err)
	}
	return rc, nil
}

func (s *IPFS) ResolveURL(ctx context.Context, rawURL string) (string, error) {
	cid, err := cidFromURL(rawURL)
	if err != nil {
		return "", err
	}
	if s.gateway == "" {
		return rawURL, nil
	}
	return s.gateway + "/ipfs/" + cid, nil
}

func cidFromURL(rawURL string) (string, error) {
	for _, prefix := range []string{"cid://", "ipfs://"} {
		if strings.HasPrefix(rawURL, prefix) {
			cid := strings.TrimPrefix(rawURL, prefix)
			if cid == "" {
				return "", fmt.Errorf("empty cid in %q", rawURL)
			}
			return cid, nil
		}
	}
	return "", fmt.Errorf("not a content-addressed url: %q", rawURL)
}
