package encrypt

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"

	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// ECIESEncrypt seals a message for the provider's secp256k1 public key
// (PSK-ECDSA).
func ECIESEncrypt(pub *ecdsa.PublicKey, message []byte) ([]byte, error) {
	if pub == nil {
		return nil, errors.New("ecdsa public key required")
	}
	return ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), message, nil, nil)
}

// ECIESDecrypt reverses ECIESEncrypt with the provider's private key.
func ECIESDecrypt(priv *ecdsa.PrivateKey, sealed []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("ecdsa private key required")
	}
	return ecies.ImportECDSA(priv).Decrypt(sealed, nil, nil)
}
