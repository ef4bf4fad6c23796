package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"nodegate/pkg/httpx"
)

// Client talks to the keeper REST bridge. Transient failures and 5xx are
// retried by the shared request helper; 404 maps to ErrAgreementNotFound.
type Client struct {
	HTTP       *http.Client
	BaseURL    string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (c *Client) get(ctx context.Context, path string, out any) (int, error) {
	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	status, body, err := httpx.RequestJSON(ctx, client, http.MethodGet, c.BaseURL+path, nil, c.Headers, c.Retries, c.RetryDelay)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if status >= 200 && status < 300 && out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return status, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
		}
	}
	return status, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (int, error) {
	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	status, _, err := httpx.RequestJSON(ctx, client, http.MethodPost, c.BaseURL+path, body, c.Headers, c.Retries, c.RetryDelay)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return status, nil
}

func (c *Client) GetAgreement(ctx context.Context, agreementID string) (Agreement, error) {
	var agreement Agreement
	status, err := c.get(ctx, "/agreements/"+url.PathEscape(agreementID), &agreement)
	if err != nil {
		return Agreement{}, err
	}
	if status == http.StatusNotFound {
		return Agreement{}, fmt.Errorf("%w: %s", ErrAgreementNotFound, agreementID)
	}
	if status >= 300 {
		return Agreement{}, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	if agreement.AgreementID == "" {
		agreement.AgreementID = agreementID
	}
	return agreement, nil
}

type grantedResponse struct {
	Granted bool `json:"granted"`
}

func (c *Client) CheckPermissions(ctx context.Context, address, did string) (bool, error) {
	var resp grantedResponse
	status, err := c.get(ctx, "/permissions/"+url.PathEscape(address)+"/"+url.PathEscape(did), &resp)
	if err != nil {
		return false, err
	}
	if status >= 300 {
		return false, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	return resp.Granted, nil
}

func (c *Client) IsAccessGranted(ctx context.Context, agreementID, consumer string) (bool, error) {
	var resp grantedResponse
	status, err := c.get(ctx, "/agreements/"+url.PathEscape(agreementID)+"/access/"+url.PathEscape(consumer), &resp)
	if err != nil {
		return false, err
	}
	if status >= 300 {
		return false, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	return resp.Granted, nil
}

func (c *Client) IsNFTHolder(ctx context.Context, did, consumer string, amount uint64) (bool, error) {
	var resp struct {
		Balance uint64 `json:"balance"`
	}
	status, err := c.get(ctx, "/nft/"+url.PathEscape(did)+"/balance/"+url.PathEscape(consumer), &resp)
	if err != nil {
		return false, err
	}
	if status >= 300 {
		return false, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	if amount == 0 {
		amount = 1
	}
	return resp.Balance >= amount, nil
}

type settlementRequest struct {
	AgreementID string `json:"agreement_id"`
	DID         string `json:"did"`
	Consumer    string `json:"consumer_address"`
	NFTAmount   uint64 `json:"nft_amount,omitempty"`
	Buyer       string `json:"buyer,omitempty"`
	Provider    string `json:"provider_address"`
}

func (c *Client) settle(ctx context.Context, path string, p Params, provider string) error {
	status, err := c.post(ctx, path, settlementRequest{
		AgreementID: p.AgreementID,
		DID:         p.DID,
		Consumer:    p.ConsumerAddress,
		NFTAmount:   p.NFTAmount,
		Buyer:       p.Buyer,
		Provider:    provider,
	})
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrAgreementNotFound, p.AgreementID)
	}
	if status >= 300 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	return nil
}

func (c *Client) FulfillAccessCondition(ctx context.Context, p Params, provider string) error {
	return c.settle(ctx, "/conditions/access/fulfill", p, provider)
}

func (c *Client) TransferNFT(ctx context.Context, p Params, provider string) error {
	return c.settle(ctx, "/nft/transfer", p, provider)
}

func (c *Client) TransferNFTProof(ctx context.Context, p Params, provider string) error {
	return c.settle(ctx, "/nft/transfer-proof", p, provider)
}

func (c *Client) ResolveServiceFiles(ctx context.Context, did string) ([]AssetFile, error) {
	var resp struct {
		Files []AssetFile `json:"files"`
	}
	status, err := c.get(ctx, "/dids/"+url.PathEscape(did)+"/files", &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: did %s", ErrAgreementNotFound, did)
	}
	if status >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	return resp.Files, nil
}

func (c *Client) NetworkName(ctx context.Context) (string, error) {
	var resp struct {
		Network string `json:"network"`
	}
	status, err := c.get(ctx, "/network", &resp)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	return resp.Network, nil
}
