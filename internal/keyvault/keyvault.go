// keyvault.go -- The box's long-lived RSA key pair.
//
// Loaded once at startup and read-only afterwards. The private key never
// leaves this package: callers get decrypt/sign operations, not the key.
package keyvault

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/MGallo-Code/boxgate/internal/apperr"
)

// MinKeyBits is the smallest modulus Load and New accept.
const MinKeyBits = 2048

// Algorithm identifiers reported to clients alongside the public key.
const (
	Algorithm       = "RSA"
	KeyExchange     = "RSA-OAEP-256"
	SignatureMethod = "RS256"
)

const (
	pemPrivateBlock = "PRIVATE KEY"
	pemPKCS1Block   = "RSA PRIVATE KEY"
	pemPublicBlock  = "PUBLIC KEY"
)

// Vault holds the box key pair.
type Vault struct {
	priv  *rsa.PrivateKey
	keyID string
}

// New wraps an existing private key. Rejects keys smaller than MinKeyBits.
func New(priv *rsa.PrivateKey) (*Vault, error) {
	if priv == nil {
		return nil, errors.New("nil private key")
	}
	if bits := priv.N.BitLen(); bits < MinKeyBits {
		return nil, fmt.Errorf("key size %d below minimum %d", bits, MinKeyBits)
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("validating private key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return &Vault{priv: priv, keyID: hex.EncodeToString(sum[:8])}, nil
}

// Load reads a PEM-encoded RSA private key (PKCS#8 or PKCS#1) from path.
func Load(path string) (*Vault, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	priv, err := ParsePrivateKeyPEM(raw)
	if err != nil {
		return nil, err
	}
	return New(priv)
}

// ParsePrivateKeyPEM decodes the first PEM block of raw into an RSA private key.
func ParsePrivateKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case pemPKCS1Block:
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#1 key: %w", err)
		}
		return priv, nil
	case pemPrivateBlock:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#8 key: %w", err)
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", key)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// Generate creates a fresh key pair. Used only by cmd/keygen and tests.
func Generate(bits int) (*rsa.PrivateKey, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("key size %d below minimum %d", bits, MinKeyBits)
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// EncodePrivateKeyPEM renders priv as a PKCS#8 PEM block.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPrivateBlock, Bytes: der}), nil
}

// EncryptWithPublic encrypts plaintext with RSA-OAEP (SHA-256) under the box public key.
// Plaintext longer than the OAEP limit (190 bytes for 2048-bit keys) is a crypto error.
func (v *Vault) EncryptWithPublic(plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &v.priv.PublicKey, plaintext, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, fmt.Errorf("encrypting: %w", err))
	}
	return ct, nil
}

// DecryptWithPrivate reverses EncryptWithPublic. Any ciphertext not produced
// under the matching public key is a crypto error.
func (v *Vault) DecryptWithPrivate(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != v.priv.Size() {
		return nil, apperr.Wrap(apperr.KindCrypto, fmt.Errorf("ciphertext length %d, want %d", len(ciphertext), v.priv.Size()))
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, v.priv, ciphertext, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, fmt.Errorf("decrypting: %w", err))
	}
	return pt, nil
}

// Sign returns an RSASSA-PKCS1-v1_5 SHA-256 signature over data (the RS256 primitive).
func (v *Vault) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, v.priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, fmt.Errorf("signing: %w", err))
	}
	return sig, nil
}

// Verify reports whether sig is a valid Sign output for data.
func (v *Vault) Verify(data, sig []byte) bool {
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(&v.priv.PublicKey, crypto.SHA256, digest[:], sig) == nil
}

// PublicKey returns the box public key.
func (v *Vault) PublicKey() *rsa.PublicKey { return &v.priv.PublicKey }

// PublicKeyPEM returns the PKIX PEM encoding of the public key.
func (v *Vault) PublicKeyPEM() []byte {
	// Marshal cannot fail for a key New already marshaled.
	der, _ := x509.MarshalPKIXPublicKey(&v.priv.PublicKey)
	return pem.EncodeToMemory(&pem.Block{Type: pemPublicBlock, Bytes: der})
}

// KeyID is a short fingerprint of the public key, used as the JWT kid.
func (v *Vault) KeyID() string { return v.keyID }

// KeySize returns the modulus size in bits.
func (v *Vault) KeySize() int { return v.priv.N.BitLen() }

// Algorithm returns the key algorithm name.
func (v *Vault) Algorithm() string { return Algorithm }
