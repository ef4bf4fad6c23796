package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"nodegate/pkg/audit"
	"nodegate/pkg/claims"
	"nodegate/pkg/httpx"
	"nodegate/pkg/ledger"
	"nodegate/pkg/ratelimit"
	"nodegate/pkg/stream"

	"github.com/google/uuid"
)

type transferRequest struct {
	AgreementID string `json:"agreement_id"`
	NFTReceiver string `json:"nft_receiver"`
	NFTAmount   uint64 `json:"nft_amount"`
}

// handleNFTTransfer settles an NFT sale against an existing agreement.
// The endpoint is unauthenticated; the agreement record itself is the
// authorization, so rate limiting and auditing carry the abuse load.
func (s *Server) handleNFTTransfer(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.AgreementID == "" || req.NFTReceiver == "" {
		httpx.Error(w, http.StatusBadRequest, "agreement_id and nft_receiver are required")
		return
	}
	if req.NFTAmount == 0 {
		req.NFTAmount = 1
	}
	if s.RateLimitEnabled && s.RateLimiter != nil {
		if d := s.RateLimiter.Allow(ratelimit.ClientKey(r, req.NFTReceiver), s.RateLimitPerWindow); !d.Allowed {
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	agreement, err := s.Keeper.GetAgreement(r.Context(), req.AgreementID)
	if err != nil {
		if errors.Is(err, ledger.ErrAgreementNotFound) {
			httpx.Error(w, http.StatusNotFound, "agreement not found")
			return
		}
		log.Printf("agreement lookup failed %s: %v", req.AgreementID, err)
		httpx.Error(w, http.StatusBadGateway, "ledger unavailable")
		return
	}

	params := ledger.Params{
		ConsumerAddress: req.NFTReceiver,
		DID:             agreement.DID,
		AgreementID:     agreement.AgreementID,
		NFTAmount:       req.NFTAmount,
	}
	s.settle(w, r, claims.PurposeNFTSales, params)
}

type salesProofRequest struct {
	AgreementID string `json:"agreement_id,omitempty"`
	NFTAmount   uint64 `json:"nft_amount,omitempty"`
}

// handleNFTSalesProof is the bearer-gated variant: the settlement is
// recorded with a provable transfer receipt on chain.
func (s *Server) handleNFTSalesProof(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req salesProofRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	agreementID := identity.AgreementID
	if req.AgreementID != "" {
		agreementID = req.AgreementID
	}
	amount := req.NFTAmount
	if amount == 0 {
		amount = 1
	}

	agreement, err := s.Keeper.GetAgreement(r.Context(), agreementID)
	if err != nil {
		if errors.Is(err, ledger.ErrAgreementNotFound) {
			httpx.Error(w, http.StatusNotFound, "agreement not found")
			return
		}
		log.Printf("agreement lookup failed %s: %v", agreementID, err)
		httpx.Error(w, http.StatusBadGateway, "ledger unavailable")
		return
	}

	params := ledger.Params{
		ConsumerAddress: identity.Address,
		DID:             agreement.DID,
		AgreementID:     agreement.AgreementID,
		NFTAmount:       amount,
		Buyer:           identity.Buyer,
	}
	s.settle(w, r, claims.PurposeNFTProof, params)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, purpose claims.Purpose, params ledger.Params) {
	strategy, err := s.Engine.Strategy(purpose)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "purpose unsupported")
		return
	}
	if err := strategy.Process(r.Context(), params, s.Provider.Address()); err != nil {
		log.Printf("settlement failed purpose=%s agreement=%s: %v", purpose, params.AgreementID, err)
		s.Metrics.IncPurposeOutcome(string(purpose), "failed")
		s.recordDecision(r, audit.Decision{
			DecisionID:  uuid.New().String(),
			Consumer:    params.ConsumerAddress,
			DID:         params.DID,
			AgreementID: params.AgreementID,
			Purpose:     string(purpose),
			Outcome:     "failed",
			Reason:      "settlement_failed",
			CreatedAt:   time.Now().UTC(),
		})
		s.publishEvent(stream.NewEvent(stream.EventTransferFailed, map[string]string{
			"agreement": params.AgreementID,
			"purpose":   string(purpose),
		}))
		httpx.Error(w, http.StatusInternalServerError, "settlement failed")
		return
	}

	s.Metrics.IncSettlement(string(purpose))
	s.Metrics.IncPurposeOutcome(string(purpose), "settled")
	s.recordDecision(r, audit.Decision{
		DecisionID:  uuid.New().String(),
		Consumer:    params.ConsumerAddress,
		DID:         params.DID,
		AgreementID: params.AgreementID,
		Purpose:     string(purpose),
		Outcome:     "settled",
		CreatedAt:   time.Now().UTC(),
	})
	s.publishEvent(stream.NewEvent(stream.EventTransferDone, map[string]string{
		"agreement": params.AgreementID,
		"receiver":  params.ConsumerAddress,
		"purpose":   string(purpose),
	}))
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "settled", "agreement_id": params.AgreementID})
}
