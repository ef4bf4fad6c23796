package claims

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// BearerPayload is the projection of a VerifiedClaim that the gateway
// re-signs with its own key. The assertion's freshness bound is replaced by a
// gateway-owned one rather than carried over or dropped.
type BearerPayload struct {
	Issuer      string   `json:"iss"`
	AgreementID string   `json:"sub"`
	Audience    string   `json:"aud"`
	DID         string   `json:"did,omitempty"`
	Buyer       string   `json:"buyer,omitempty"`
	Babysig     *Babysig `json:"babysig,omitempty"`
	ExpiresAt   int64    `json:"exp"`
	IssuedAt    int64    `json:"iat"`
}

// Identity is what a verified bearer token asserts about the caller.
type Identity struct {
	Address     string
	DID         string
	AgreementID string
	Audience    string
	Buyer       string
	Babysig     *Babysig
}

// Project builds the bearer payload for a verified claim with a fresh expiry.
func Project(claim VerifiedClaim, now time.Time, ttl time.Duration) BearerPayload {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return BearerPayload{
		Issuer:      claim.Issuer,
		AgreementID: claim.AgreementID,
		Audience:    claim.Audience,
		DID:         claim.DID,
		Buyer:       claim.Buyer,
		Babysig:     claim.Babysig,
		ExpiresAt:   now.Add(ttl).Unix(),
		IssuedAt:    now.Unix(),
	}
}

// Signer issues and verifies gateway bearer tokens with an HS256 key.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("signing secret required")
	}
	return &Signer{secret: []byte(secret)}, nil
}

func (s *Signer) Sign(payload BearerPayload) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal bearer payload: %w", err)
	}
	signingInput := header + "." + base64.RawURLEncoding.EncodeToString(body)
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

var errBearerInvalid = errors.New("bearer token invalid")

// VerifyBearer checks a gateway-issued token and returns the caller identity.
func (s *Signer) VerifyBearer(token string, now time.Time) (Identity, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return Identity{}, errBearerInvalid
	}
	var header struct {
		Alg string `json:"alg"`
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Identity{}, errBearerInvalid
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil || !strings.EqualFold(header.Alg, "HS256") {
		return Identity{}, errBearerInvalid
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Identity{}, errBearerInvalid
	}
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Identity{}, errBearerInvalid
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Identity{}, errBearerInvalid
	}
	var payload BearerPayload
	if err := json.Unmarshal(payloadRaw, &payload); err != nil {
		return Identity{}, errBearerInvalid
	}
	if payload.ExpiresAt != 0 && now.Unix() >= payload.ExpiresAt {
		return Identity{}, fmt.Errorf("%w: expired", errBearerInvalid)
	}
	if payload.Issuer == "" {
		return Identity{}, errBearerInvalid
	}
	return Identity{
		Address:     payload.Issuer,
		DID:         payload.DID,
		AgreementID: payload.AgreementID,
		Audience:    payload.Audience,
		Buyer:       payload.Buyer,
		Babysig:     payload.Babysig,
	}, nil
}
