// Package policy decides whether a verified claim is entitled to a
// service, triggering the purpose-specific settlement action when the
// entitlement is not yet satisfied on the ledger.
package policy

import (
	"context"
	"errors"
	"fmt"

	"nodegate/pkg/claims"
	"nodegate/pkg/ledger"
)

var (
	ErrDenied             = errors.New("access denied")
	ErrPurposeUnsupported = errors.New("purpose unsupported")
)

// Strategy is one purpose-specific settlement flow. Accept reports whether
// params already represent a satisfied condition; Process performs the
// settlement acting as the provider. Process must be idempotent or
// externally recoverable; the engine never retries.
type Strategy interface {
	Accept(ctx context.Context, p ledger.Params) (bool, error)
	Process(ctx context.Context, p ledger.Params, provider string) error
}

// Engine resolves strategies from a closed table keyed by purpose.
// Unknown purposes fail the lookup; there is no open-ended dispatch.
type Engine struct {
	keeper     ledger.Keeper
	provider   string
	strategies map[claims.Purpose]Strategy
}

func NewEngine(keeper ledger.Keeper, provider string) *Engine {
	return &Engine{
		keeper:   keeper,
		provider: provider,
		strategies: map[claims.Purpose]Strategy{
			claims.PurposeAccess:    accessStrategy{keeper},
			claims.PurposeNFTAccess: nftAccessStrategy{keeper},
			claims.PurposeNFTSales:  nftSalesStrategy{keeper},
			claims.PurposeNFTProof:  nftProofStrategy{keeper},
		},
	}
}

// Strategy returns the settlement strategy for a purpose.
func (e *Engine) Strategy(purpose claims.Purpose) (Strategy, error) {
	s, ok := e.strategies[purpose]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPurposeUnsupported, purpose)
	}
	return s, nil
}

// ValidateAccess grants when the strategy already accepts the params, and
// otherwise triggers its settlement action with the gateway's own operating
// identity and no payment parameter. Indefinite answers surface as denial.
func (e *Engine) ValidateAccess(ctx context.Context, p ledger.Params, purpose claims.Purpose) error {
	strategy, err := e.Strategy(purpose)
	if err != nil {
		return err
	}
	granted, err := strategy.Accept(ctx, p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	if granted {
		return nil
	}
	if err := strategy.Process(ctx, p, e.provider); err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	return nil
}

// ValidateOwner is the download path: the consumer must hold the asset's
// access permission directly. No settlement is triggered here.
func (e *Engine) ValidateOwner(ctx context.Context, did, consumer string) error {
	granted, err := e.keeper.CheckPermissions(ctx, consumer, did)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	if !granted {
		return fmt.Errorf("%w: address %s has no permission to access %s", ErrDenied, consumer, did)
	}
	return nil
}

type accessStrategy struct{ keeper ledger.Keeper }

func (s accessStrategy) Accept(ctx context.Context, p ledger.Params) (bool, error) {
	return s.keeper.IsAccessGranted(ctx, p.AgreementID, p.ConsumerAddress)
}

func (s accessStrategy) Process(ctx context.Context, p ledger.Params, provider string) error {
	return s.keeper.FulfillAccessCondition(ctx, p, provider)
}

type nftAccessStrategy struct{ keeper ledger.Keeper }

func (s nftAccessStrategy) Accept(ctx context.Context, p ledger.Params) (bool, error) {
	return s.keeper.IsNFTHolder(ctx, p.DID, p.ConsumerAddress, p.NFTAmount)
}

func (s nftAccessStrategy) Process(ctx context.Context, p ledger.Params, provider string) error {
	return s.keeper.FulfillAccessCondition(ctx, p, provider)
}

type nftSalesStrategy struct{ keeper ledger.Keeper }

// Accept always reports unsatisfied: a sale settles on every request.
func (s nftSalesStrategy) Accept(ctx context.Context, p ledger.Params) (bool, error) {
	return false, nil
}

func (s nftSalesStrategy) Process(ctx context.Context, p ledger.Params, provider string) error {
	return s.keeper.TransferNFT(ctx, p, provider)
}

type nftProofStrategy struct{ keeper ledger.Keeper }

func (s nftProofStrategy) Accept(ctx context.Context, p ledger.Params) (bool, error) {
	return false, nil
}

func (s nftProofStrategy) Process(ctx context.Context, p ledger.Params, provider string) error {
	return s.keeper.TransferNFTProof(ctx, p, provider)
}
