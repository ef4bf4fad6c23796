package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"nodegate/pkg/audit"
	"nodegate/pkg/claims"
	"nodegate/pkg/httpx"
	"nodegate/pkg/keytransfer"
	"nodegate/pkg/ledger"
	"nodegate/pkg/ratelimit"
	"nodegate/pkg/stream"

	"github.com/google/uuid"
)

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	Assertion string `json:"assertion"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// handleToken exchanges an eth-signed client assertion for a gateway
// bearer token. Every rejection after parsing collapses to the same 401
// body; the specific cause goes to the log and the audit trail only.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req tokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.GrantType != claims.AssertionType {
		s.rejectToken(r, claims.VerifiedClaim{}, "", "assertion_type_unsupported")
		httpx.Error(w, http.StatusUnauthorized, "assertion invalid")
		return
	}

	verifyStart := time.Now()
	claim, err := claims.Verify(req.Assertion, time.Now().UTC())
	s.Metrics.ObserveAssertionVerify(time.Since(verifyStart))
	if err != nil {
		log.Printf("assertion rejected: %v", err)
		s.rejectToken(r, claims.VerifiedClaim{}, "", rejectReason(err))
		httpx.Error(w, http.StatusUnauthorized, "assertion invalid")
		return
	}

	purpose, err := claim.Purpose()
	if err != nil {
		log.Printf("assertion rejected: %v", err)
		s.rejectToken(r, claim, "", "audience_unsupported")
		httpx.Error(w, http.StatusUnauthorized, "assertion invalid")
		return
	}

	if replayed := s.checkReplay(r, claim); replayed {
		s.Metrics.IncReplayReject()
		s.rejectToken(r, claim, purpose, "assertion_replayed")
		httpx.Error(w, http.StatusUnauthorized, "assertion invalid")
		return
	}

	if s.RateLimitEnabled && s.RateLimiter != nil {
		if d := s.RateLimiter.Allow(ratelimit.ClientKey(r, claim.Issuer), s.RateLimitPerWindow); !d.Allowed {
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	params := ledger.Params{
		ConsumerAddress: claim.Issuer,
		DID:             claim.DID,
		AgreementID:     claim.AgreementID,
		Buyer:           claim.Buyer,
	}
	switch purpose {
	case claims.PurposeAccess:
		err = s.Engine.ValidateAccess(r.Context(), params, claims.PurposeAccess)
	case claims.PurposeDownload:
		err = s.Engine.ValidateOwner(r.Context(), claim.DID, claim.Issuer)
	case claims.PurposeNFTAccess:
		params.NFTAmount = 1
		if claim.Babysig != nil {
			if ok, perr := keytransfer.VerifyProof(claim.Buyer, claim.Issuer, claim.Babysig); perr != nil || !ok {
				log.Printf("key transfer proof rejected for %s: %v", claim.Issuer, perr)
				s.rejectToken(r, claim, purpose, "transfer_proof_invalid")
				httpx.Error(w, http.StatusUnauthorized, "assertion invalid")
				return
			}
		}
		err = s.Engine.ValidateAccess(r.Context(), params, claims.PurposeNFTAccess)
	}
	if err != nil {
		log.Printf("policy denied %s purpose=%s agreement=%s: %v", claim.Issuer, purpose, claim.AgreementID, err)
		s.rejectToken(r, claim, purpose, "policy_denied")
		httpx.Error(w, http.StatusUnauthorized, "assertion invalid")
		return
	}

	token, err := s.Tokens.Sign(claims.Project(claim, time.Now().UTC(), s.TokenTTL))
	if err != nil {
		log.Printf("token signing failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	s.Metrics.IncTokenIssued()
	s.Metrics.IncPurposeOutcome(string(purpose), "granted")
	s.recordDecision(r, audit.Decision{
		DecisionID:  uuid.New().String(),
		Consumer:    claim.Issuer,
		DID:         claim.DID,
		AgreementID: claim.AgreementID,
		Purpose:     string(purpose),
		Outcome:     "granted",
		Detail:      decisionDetail(claim),
		CreatedAt:   time.Now().UTC(),
	})
	s.publishEvent(stream.NewEvent(stream.EventTokenIssued, map[string]string{
		"consumer":  claim.Issuer,
		"did":       claim.DID,
		"agreement": claim.AgreementID,
		"purpose":   string(purpose),
	}))
	httpx.WriteJSON(w, http.StatusCreated, tokenResponse{AccessToken: token})
}

// checkReplay burns the assertion's jti for the token TTL. The guard is
// best effort: a cache outage logs and lets the request through rather
// than taking token issuance down with it.
func (s *Server) checkReplay(r *http.Request, claim claims.VerifiedClaim) bool {
	if s.Cache == nil || strings.TrimSpace(claim.Nonce) == "" {
		return false
	}
	ttl := s.TokenTTL
	if claim.ExpiresAt != 0 {
		if until := time.Until(time.Unix(claim.ExpiresAt, 0)); until > 0 {
			ttl = until
		}
	}
	key := "jti:" + strings.ToLower(claim.Issuer) + ":" + claim.Nonce
	ok, err := s.Cache.SetNX(r.Context(), key, "1", ttl)
	if err != nil {
		log.Printf("replay guard unavailable: %v", err)
		return false
	}
	return !ok
}

func (s *Server) rejectToken(r *http.Request, claim claims.VerifiedClaim, purpose claims.Purpose, reason string) {
	s.Metrics.IncOutcome("denied")
	s.Metrics.IncReason(reason)
	if purpose != "" {
		s.Metrics.IncPurposeOutcome(string(purpose), "denied")
	}
	s.recordDecision(r, audit.Decision{
		DecisionID:  uuid.New().String(),
		Consumer:    claim.Issuer,
		DID:         claim.DID,
		AgreementID: claim.AgreementID,
		Purpose:     string(purpose),
		Outcome:     "denied",
		Reason:      reason,
		Detail:      decisionDetail(claim),
		CreatedAt:   time.Now().UTC(),
	})
	s.publishEvent(stream.NewEvent(stream.EventTokenDenied, map[string]string{
		"consumer": claim.Issuer,
		"reason":   reason,
	}))
}

func (s *Server) recordDecision(r *http.Request, rec audit.Decision) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.AppendDecision(r.Context(), rec); err != nil {
		log.Printf("audit append failed: %v", err)
	}
}

func decisionDetail(claim claims.VerifiedClaim) json.RawMessage {
	detail := map[string]interface{}{}
	if claim.Nonce != "" {
		detail["jti"] = claim.Nonce
	}
	if claim.Buyer != "" {
		detail["buyer"] = claim.Buyer
	}
	if claim.Babysig != nil {
		detail["babysig"] = claim.Babysig
	}
	if len(detail) == 0 {
		return nil
	}
	b, _ := json.Marshal(detail)
	return b
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, claims.ErrMalformed):
		return "assertion_malformed"
	case errors.Is(err, claims.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, claims.ErrExpired):
		return "assertion_expired"
	default:
		return "assertion_invalid"
	}
}
