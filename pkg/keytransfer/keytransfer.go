// Package keytransfer verifies BabyJubJub signatures proving that a
// decryption key was handed over between two parties off-chain. This is a
// separate curve from the secp256k1 scheme used for client assertions.
package keytransfer

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/iden3/go-iden3-crypto/babyjub"

	"nodegate/pkg/claims"
)

var ErrProofInvalid = errors.New("key transfer proof invalid")

// ParseBuyerKey reconstructs a BabyJubJub public key from the 128-hex-char
// buyer reference (two concatenated 64-char field elements).
func ParseBuyerKey(buyer string) (*babyjub.PublicKey, error) {
	buyer = strings.TrimPrefix(strings.TrimSpace(buyer), "0x")
	if len(buyer) != 128 {
		return nil, fmt.Errorf("%w: buyer reference is %d hex chars, want 128", ErrProofInvalid, len(buyer))
	}
	x, ok := new(big.Int).SetString(buyer[:64], 16)
	if !ok {
		return nil, fmt.Errorf("%w: bad x coordinate", ErrProofInvalid)
	}
	y, ok := new(big.Int).SetString(buyer[64:], 16)
	if !ok {
		return nil, fmt.Errorf("%w: bad y coordinate", ErrProofInvalid)
	}
	point := &babyjub.Point{X: x, Y: y}
	if !point.InCurve() {
		return nil, fmt.Errorf("%w: point not on curve", ErrProofInvalid)
	}
	pub := babyjub.PublicKey(*point)
	return &pub, nil
}

// VerifyProof checks the Poseidon-hashed BabyJubJub signature over the
// consumer address. A failed proof is fatal to the request; it is never
// retried.
func VerifyProof(buyer string, consumerAddress string, sig *claims.Babysig) (bool, error) {
	if sig == nil {
		return false, fmt.Errorf("%w: missing babysig", ErrProofInvalid)
	}
	pub, err := ParseBuyerKey(buyer)
	if err != nil {
		return false, err
	}
	r8x, err := parseField(sig.R8[0])
	if err != nil {
		return false, err
	}
	r8y, err := parseField(sig.R8[1])
	if err != nil {
		return false, err
	}
	s, err := parseField(sig.S)
	if err != nil {
		return false, err
	}
	msg, ok := new(big.Int).SetString(strings.TrimPrefix(strings.TrimSpace(consumerAddress), "0x"), 16)
	if !ok {
		return false, fmt.Errorf("%w: consumer address is not hex", ErrProofInvalid)
	}
	signature := &babyjub.Signature{R8: &babyjub.Point{X: r8x, Y: r8y}, S: s}
	if !pub.VerifyPoseidon(msg, signature) {
		return false, ErrProofInvalid
	}
	return true, nil
}

// parseField accepts decimal or 0x-prefixed hex field elements; SDKs emit
// both encodings.
func parseField(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		v, ok := new(big.Int).SetString(raw[2:], 16)
		if !ok {
			return nil, fmt.Errorf("%w: bad field element %q", ErrProofInvalid, raw)
		}
		return v, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%w: bad field element %q", ErrProofInvalid, raw)
	}
	return v, nil
}
