// Package channel bootstraps the symmetric secret shared between a client
// terminal and the box without ever sending it in the clear.
//
// The client encrypts a handshake (a temporary AES key plus optional
// credential) under the box public key. The box decrypts it, generates a
// fresh secret and IV, and seals them under the temporary key. Rotation uses
// the previous channel in place of the RSA step, forming a rolling chain.
package channel

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MGallo-Code/boxgate/internal/apperr"
	"github.com/MGallo-Code/boxgate/internal/clock"
)

// Sizes in bytes.
const (
	KeySize    = 32 // AES-256 temp keys and derived keys
	SecretSize = 32
	IVSize     = 16
)

// Decrypter is the KeyVault operation the establisher needs.
// Satisfied by *keyvault.Vault.
type Decrypter interface {
	DecryptWithPrivate(ciphertext []byte) ([]byte, error)
}

// Handshake is the client-built payload. Key is the temporary AES-256 key the
// response is sealed under; Credential is passed through for the caller to check.
type Handshake struct {
	Key        []byte `json:"key"`
	Credential string `json:"credential,omitempty"`
}

// Channel is a freshly established secret/IV pair. Sealed is what goes back to
// the client: {secret, iv, expires_at} under the handshake key.
type Channel struct {
	Secret    []byte
	IV        []byte
	ExpiresAt time.Time
	Sealed    []byte
}

// sealedChannel is the JSON shape inside Channel.Sealed.
type sealedChannel struct {
	Secret    []byte    `json:"secret"`
	IV        []byte    `json:"iv"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Establisher performs handshakes. Safe for concurrent use.
type Establisher struct {
	vault Decrypter
	ttl   time.Duration
	clock clock.Clock
}

// NewEstablisher returns an Establisher whose channels expire after ttl.
func NewEstablisher(vault Decrypter, ttl time.Duration, c clock.Clock) *Establisher {
	if c == nil {
		c = clock.Real()
	}
	return &Establisher{vault: vault, ttl: ttl, clock: c}
}

// Establish decrypts an RSA-encrypted handshake and returns a new channel.
func (e *Establisher) Establish(encrypted []byte) (*Channel, *Handshake, error) {
	raw, err := e.vault.DecryptWithPrivate(encrypted)
	if err != nil {
		return nil, nil, err
	}
	hs, err := parseHandshake(raw)
	if err != nil {
		return nil, nil, err
	}
	ch, err := e.open(hs.Key)
	if err != nil {
		return nil, nil, err
	}
	return ch, hs, nil
}

// Rotate opens a handshake sealed under the previous channel and returns its successor.
func (e *Establisher) Rotate(prevSecret, prevIV, sealed []byte) (*Channel, *Handshake, error) {
	key, err := DeriveKey(prevSecret, prevIV, InfoRotate)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindCrypto, err)
	}
	raw, err := Open(key, nil, sealed)
	if err != nil {
		return nil, nil, err
	}
	hs, err := parseHandshake(raw)
	if err != nil {
		return nil, nil, err
	}
	ch, err := e.open(hs.Key)
	if err != nil {
		return nil, nil, err
	}
	return ch, hs, nil
}

// open generates the secret and IV and seals them under tempKey.
func (e *Establisher) open(tempKey []byte) (*Channel, error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}
	expiresAt := e.clock.Now().Add(e.ttl).UTC()

	payload, err := json.Marshal(sealedChannel{Secret: secret, IV: iv, ExpiresAt: expiresAt})
	if err != nil {
		return nil, fmt.Errorf("marshaling channel: %w", err)
	}
	sealed, err := Seal(tempKey, nil, payload)
	if err != nil {
		return nil, err
	}
	return &Channel{Secret: secret, IV: iv, ExpiresAt: expiresAt, Sealed: sealed}, nil
}

func parseHandshake(raw []byte) (*Handshake, error) {
	var hs Handshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, fmt.Errorf("decoding handshake: %w", err))
	}
	if len(hs.Key) != KeySize {
		return nil, apperr.Wrap(apperr.KindCrypto, errors.New("handshake key must be 32 bytes"))
	}
	return &hs, nil
}

// OpenSealed decodes a Channel.Sealed blob with the temporary key. Clients do
// this; the box uses it only in tests and tooling.
func OpenSealed(tempKey, sealed []byte) (*Channel, error) {
	raw, err := Open(tempKey, nil, sealed)
	if err != nil {
		return nil, err
	}
	var sc sealedChannel
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, err)
	}
	return &Channel{Secret: sc.Secret, IV: sc.IV, ExpiresAt: sc.ExpiresAt, Sealed: sealed}, nil
}
