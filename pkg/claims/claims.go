package claims

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AssertionType is the only accepted value for the token grant_type field
// (RFC 7523 client authentication).
const AssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// AudienceBase prefixes the purpose tag in assertion aud fields produced by
// SDK clients. Bare purpose tags are accepted too.
const AudienceBase = "/api/v1/node/services/"

type Purpose string

const (
	PurposeAccess    Purpose = "access"
	PurposeDownload  Purpose = "download"
	PurposeNFTAccess Purpose = "nft-access"
	PurposeNFTSales  Purpose = "nft-sales"
	PurposeNFTProof  Purpose = "nft-sales-proof"
)

var (
	ErrMalformed            = errors.New("client assertion malformed")
	ErrAssertionUnsupported = errors.New("client assertion type unsupported")
	ErrAudienceUnsupported  = errors.New("audience unsupported")
	ErrSignatureInvalid     = errors.New("assertion signature invalid")
	ErrExpired              = errors.New("assertion expired")
)

// Babysig is the BabyJubJub proof material carried by key-transfer claims.
type Babysig struct {
	R8 [2]string `json:"R8"`
	S  string    `json:"S"`
}

// VerifiedClaim is the payload of a client assertion whose signature has been
// checked against the declared issuer. It is never mutated after Verify.
type VerifiedClaim struct {
	Issuer      string   `json:"iss"`
	AgreementID string   `json:"sub"`
	Audience    string   `json:"aud"`
	DID         string   `json:"did,omitempty"`
	Buyer       string   `json:"buyer,omitempty"`
	Babysig     *Babysig `json:"babysig,omitempty"`
	ExpiresAt   int64    `json:"exp"`
	IssuedAt    int64    `json:"iat,omitempty"`
	Nonce       string   `json:"jti,omitempty"`
}

// Purpose maps the aud field to one of the recognized purpose tags. The base
// path prefix is stripped when present; anything else is unsupported.
func (c VerifiedClaim) Purpose() (Purpose, error) {
	aud := strings.TrimPrefix(strings.TrimSpace(c.Audience), AudienceBase)
	switch Purpose(aud) {
	case PurposeAccess, PurposeDownload, PurposeNFTAccess:
		return Purpose(aud), nil
	}
	return "", fmt.Errorf("%w: %q", ErrAudienceUnsupported, c.Audience)
}

// Verify parses a compact eth-signed assertion and checks its signature by
// public-key recovery. Ethereum signers emit 65-byte signatures (r, s and a
// recovery id) over the EIP-191 personal-message Keccak digest of the signing
// input, unlike textbook ES256K which is 64 bytes over SHA-256. The recovered
// address must equal the declared issuer.
func Verify(token string, now time.Time) (VerifiedClaim, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return VerifiedClaim{}, fmt.Errorf("%w: expected three segments", ErrMalformed)
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return VerifiedClaim{}, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return VerifiedClaim{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return VerifiedClaim{}, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return VerifiedClaim{}, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if !strings.EqualFold(header.Alg, "ES256K") {
		return VerifiedClaim{}, fmt.Errorf("%w: alg %q", ErrMalformed, header.Alg)
	}
	var claim VerifiedClaim
	if err := json.Unmarshal(payloadRaw, &claim); err != nil {
		return VerifiedClaim{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if !common.IsHexAddress(claim.Issuer) {
		return VerifiedClaim{}, fmt.Errorf("%w: issuer is not an address", ErrMalformed)
	}
	if len(sig) != crypto.SignatureLength {
		return VerifiedClaim{}, fmt.Errorf("%w: signature is %d bytes, want %d", ErrSignatureInvalid, len(sig), crypto.SignatureLength)
	}
	recovered, err := recoverSigner([]byte(parts[0]+"."+parts[1]), sig)
	if err != nil {
		return VerifiedClaim{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if recovered != common.HexToAddress(claim.Issuer) {
		return VerifiedClaim{}, fmt.Errorf("%w: recovered %s, issuer %s", ErrSignatureInvalid, recovered.Hex(), claim.Issuer)
	}
	if claim.ExpiresAt != 0 && now.Unix() >= claim.ExpiresAt {
		return VerifiedClaim{}, ErrExpired
	}
	return claim, nil
}

func recoverSigner(signingInput, sig []byte) (common.Address, error) {
	digest := accounts.TextHash(signingInput)
	// Wallets emit the recovery id as 27/28; SigToPub wants 0/1.
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
