// Package encrypt holds the symmetric upload cipher and the PSK message
// encryption offered by the encrypt endpoint.
package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrCiphertextInvalid = errors.New("ciphertext invalid")

// NewPassword returns 32 bytes of fresh entropy as an unpadded URL-safe
// string. The password exists only in the response to the uploader; the
// gateway never persists it.
func NewPassword() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// MaybeEncrypt passes data through untouched unless encryption was
// requested, in which case it seals the bytes under a fresh password and
// returns both.
func MaybeEncrypt(data []byte, wantEncryption bool) ([]byte, string, error) {
	if !wantEncryption {
		return data, "", nil
	}
	password, err := NewPassword()
	if err != nil {
		return nil, "", err
	}
	sealed, err := Seal(data, password)
	if err != nil {
		return nil, "", err
	}
	return sealed, password, nil
}

// Seal encrypts data with AES-256-GCM under a key derived from password.
func Seal(data []byte, password string) ([]byte, error) {
	aead, err := newAEAD(password)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// Open reverses Seal with the same password.
func Open(sealed []byte, password string) ([]byte, error) {
	aead, err := newAEAD(password)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrCiphertextInvalid
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertextInvalid, err)
	}
	return plain, nil
}

func newAEAD(password string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(password))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// RSAEncrypt seals a message for the provider's RSA public key (PSK-RSA).
func RSAEncrypt(pub *rsa.PublicKey, message []byte) ([]byte, error) {
	if pub == nil {
		return nil, errors.New("rsa public key required")
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, message, nil)
}

// RSADecrypt reverses RSAEncrypt with the provider's private key.
func RSADecrypt(priv *rsa.PrivateKey, sealed []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("rsa private key required")
	}
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, sealed, nil)
}
