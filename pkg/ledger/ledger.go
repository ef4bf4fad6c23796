// Package ledger defines the contract the gateway requires from the
// keeper service that records agreements and permissions on chain. The
// gateway never caches ledger state; every decision re-queries.
package ledger

import (
	"context"
	"errors"
)

var (
	ErrAgreementNotFound = errors.New("agreement not found")
	ErrUnavailable       = errors.New("keeper unavailable")
)

// Agreement is an on-chain record linking a consumer, an asset and
// payment terms. Read-only from the gateway's perspective.
type Agreement struct {
	AgreementID string `json:"agreement_id"`
	DID         string `json:"did"`
	Creator     string `json:"creator,omitempty"`
	TemplateID  string `json:"template_id,omitempty"`
	State       string `json:"state,omitempty"`
}

// Params is the normalized request for a policy decision, built once per
// request and immutable thereafter.
type Params struct {
	ConsumerAddress string
	DID             string
	AgreementID     string
	NFTAmount       uint64
	Buyer           string
}

// AssetFile describes one downloadable item of a DID's service descriptor.
type AssetFile struct {
	Index       int    `json:"index"`
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Keeper resolves ledger state and executes settlement actions. All
// implementations must be safe for concurrent use.
type Keeper interface {
	// GetAgreement resolves an agreement record; ErrAgreementNotFound
	// when no record exists for the identifier.
	GetAgreement(ctx context.Context, agreementID string) (Agreement, error)

	// CheckPermissions reports whether an address holds the access
	// permission for a DID directly (the ownership path).
	CheckPermissions(ctx context.Context, address, did string) (bool, error)

	// IsAccessGranted reports whether the access condition of an
	// agreement is already fulfilled for the consumer.
	IsAccessGranted(ctx context.Context, agreementID, consumer string) (bool, error)

	// IsNFTHolder reports whether the consumer holds at least amount
	// editions of the DID's NFT.
	IsNFTHolder(ctx context.Context, did, consumer string, amount uint64) (bool, error)

	// FulfillAccessCondition settles the access condition of an
	// agreement, acting as the given provider address.
	FulfillAccessCondition(ctx context.Context, p Params, provider string) error

	// TransferNFT executes the nft-sales settlement for an agreement,
	// acting as the given provider address.
	TransferNFT(ctx context.Context, p Params, provider string) error

	// TransferNFTProof executes the proof-carrying nft-sales settlement.
	TransferNFTProof(ctx context.Context, p Params, provider string) error

	// ResolveServiceFiles resolves the file descriptors of a DID's
	// service definition.
	ResolveServiceFiles(ctx context.Context, did string) ([]AssetFile, error)

	// NetworkName identifies the connected ledger network.
	NetworkName(ctx context.Context) (string, error)
}
