package token

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Vault is the subset of the box key pair the token services use.
// Satisfied by *keyvault.Vault.
type Vault interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() *rsa.PublicKey
	KeyID() string
	EncryptWithPublic(plaintext []byte) ([]byte, error)
	DecryptWithPrivate(ciphertext []byte) ([]byte, error)
}

// vaultMethod is an RS256 signing method whose private-key half lives in the
// vault. It reports alg RS256, so parsers verify it with the stock method.
type vaultMethod struct {
	vault Vault
}

func (m vaultMethod) Alg() string { return jwt.SigningMethodRS256.Alg() }

// Sign ignores key; the vault holds it.
func (m vaultMethod) Sign(signingString string, _ any) ([]byte, error) {
	return m.vault.Sign([]byte(signingString))
}

func (m vaultMethod) Verify(signingString string, sig []byte, key any) error {
	return jwt.SigningMethodRS256.Verify(signingString, sig, key)
}

// sign serializes claims into a compact JWS with the vault key id in the header.
func sign(v Vault, claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(vaultMethod{vault: v}, claims)
	tok.Header["kid"] = v.KeyID()
	s, err := tok.SignedString(nil)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return s, nil
}

// parse verifies signature, issuer and expiry into claims.
func parse(v Vault, raw string, claims jwt.Claims, opts ...jwt.ParserOption) error {
	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}, opts...)
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.PublicKey(), nil
	}, opts...)
	return err
}

// sealClaim RSA-encrypts a claim value and base64url-encodes it.
func sealClaim(v Vault, plaintext []byte) (string, error) {
	ct, err := v.EncryptWithPublic(plaintext)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(ct), nil
}

// openClaim reverses sealClaim.
func openClaim(v Vault, claim string) ([]byte, error) {
	if claim == "" {
		return nil, errors.New("empty encrypted claim")
	}
	ct, err := base64.RawURLEncoding.DecodeString(claim)
	if err != nil {
		return nil, fmt.Errorf("decoding encrypted claim: %w", err)
	}
	return v.DecryptWithPrivate(ct)
}
