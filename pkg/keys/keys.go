// Package keys loads the gateway's operating key material at startup:
// the encrypted Ethereum provider wallet, the RSA keypair used by the
// encrypt endpoint, and the BabyJubJub public key advertised to clients.
package keys

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
)

type Config struct {
	ProviderKeyfile  string
	ProviderPassword string
	RSAPrivkeyFile   string
	RSAPubkeyFile    string
	BabyjubPublicX   string
	BabyjubPublicY   string
}

// Provider bundles the gateway's operating identities. Immutable after load.
type Provider struct {
	eth            *ecdsa.PrivateKey
	rsaKey         *rsa.PrivateKey
	rsaPublicPEM   string
	BabyjubPublicX string
	BabyjubPublicY string
	address        string
	ecdsaPublicKey string
}

func Load(cfg Config) (*Provider, error) {
	if cfg.ProviderKeyfile == "" {
		return nil, errors.New("provider keyfile required")
	}
	raw, err := os.ReadFile(filepath.Clean(cfg.ProviderKeyfile))
	if err != nil {
		return nil, fmt.Errorf("read provider keyfile: %w", err)
	}
	key, err := keystore.DecryptKey(raw, cfg.ProviderPassword)
	if err != nil {
		return nil, fmt.Errorf("decrypt provider keyfile: %w", err)
	}
	var rsaKey *rsa.PrivateKey
	if cfg.RSAPrivkeyFile != "" {
		rsaKey, err = loadRSAPrivate(cfg.RSAPrivkeyFile)
		if err != nil {
			return nil, err
		}
	}
	p, err := FromECDSA(key.PrivateKey, rsaKey)
	if err != nil {
		return nil, err
	}
	p.BabyjubPublicX = cfg.BabyjubPublicX
	p.BabyjubPublicY = cfg.BabyjubPublicY
	if cfg.RSAPubkeyFile != "" {
		pemBytes, err := os.ReadFile(filepath.Clean(cfg.RSAPubkeyFile))
		if err != nil {
			return nil, fmt.Errorf("read rsa public key: %w", err)
		}
		p.rsaPublicPEM = string(pemBytes)
	}
	return p, nil
}

// FromECDSA builds a Provider around already-decrypted key material.
// Load is the keystore path; this serves callers that hold the keys in
// memory.
func FromECDSA(ethKey *ecdsa.PrivateKey, rsaKey *rsa.PrivateKey) (*Provider, error) {
	if ethKey == nil {
		return nil, errors.New("provider ecdsa key required")
	}
	p := &Provider{
		eth:            ethKey,
		address:        crypto.PubkeyToAddress(ethKey.PublicKey).Hex(),
		ecdsaPublicKey: "0x" + hex.EncodeToString(crypto.FromECDSAPub(&ethKey.PublicKey)),
	}
	if rsaKey != nil {
		p.rsaKey = rsaKey
		der, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("marshal rsa public key: %w", err)
		}
		p.rsaPublicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	}
	return p, nil
}

func loadRSAPrivate(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read rsa private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("rsa private key is not PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse rsa private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key file does not hold an RSA key")
	}
	return key, nil
}

// Address is the provider's Ethereum address, the acting party for
// gateway-induced settlements.
func (p *Provider) Address() string { return p.address }

// ECDSAPublicKey is the uncompressed hex provider public key.
func (p *Provider) ECDSAPublicKey() string { return p.ecdsaPublicKey }

// ECDSA exposes the provider signing key for the ECIES path.
func (p *Provider) ECDSA() *ecdsa.PrivateKey { return p.eth }

// RSA exposes the RSA keypair; nil when none was configured.
func (p *Provider) RSA() *rsa.PrivateKey { return p.rsaKey }

// RSAPublicPEM is the advertised RSA public key, empty when unconfigured.
func (p *Provider) RSAPublicPEM() string { return p.rsaPublicPEM }
