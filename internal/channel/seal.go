// seal.go -- Symmetric primitives shared by the handshake and notification delivery.
package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/MGallo-Code/boxgate/internal/apperr"
)

// HKDF info labels; one per purpose so derived keys never collide.
const (
	InfoRotate       = "boxgate-rotate"
	InfoNotification = "boxgate-notification"
)

// Seal encrypts plaintext with AES-256-GCM under key.
// Output layout: nonce (12 bytes) || ciphertext || tag. aad is authenticated, not encrypted.
func Seal(key, aad, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. Tampered, truncated or wrong-key input is a crypto error.
func Open(key, aad, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize()+gcm.Overhead() {
		return nil, apperr.Wrap(apperr.KindCrypto, errors.New("sealed payload too short"))
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, fmt.Errorf("opening sealed payload: %w", err))
	}
	return pt, nil
}

// DeriveKey expands a channel secret into a 32-byte purpose-bound key.
// The channel IV is used as HKDF salt.
func DeriveKey(secret, iv []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, iv, []byte(info))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", info, err)
	}
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, apperr.Wrap(apperr.KindCrypto, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, err)
	}
	return gcm, nil
}
