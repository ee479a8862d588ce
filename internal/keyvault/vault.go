// Package keyvault owns per-conversation symmetric keys. Each conversation
// gets a random XChaCha20-Poly1305 key at creation time; the key is stored
// wrapped under a key-encryption key derived from the service master key and
// never leaves the server.
package keyvault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"chatcore/internal/domain"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize         = chacha20poly1305.KeySize
	MinMasterLength = 32

	hkdfInfoKEK = "chatcore-conversation-kek-v1"
	wrapScope   = "conversation-key"
)

var ErrInvalidMasterKey = errors.New("keyvault: master key must be at least 32 bytes")

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = rand.Reader
)

// UseDeterministicRandom swaps the randomness source for tests and returns a
// restore func.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	if _, err := io.ReadFull(src, b); err != nil {
		return fmt.Errorf("keyvault: read random: %w", err)
	}
	return nil
}

type Vault struct {
	kek cipher.AEAD
}

func New(master []byte) (*Vault, error) {
	if len(master) < MinMasterLength {
		return nil, ErrInvalidMasterKey
	}
	kek := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(hkdfInfoKEK)), kek); err != nil {
		return nil, fmt.Errorf("keyvault: derive kek: %w", err)
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	return &Vault{kek: aead}, nil
}

// NewFromBase64 decodes a standard-base64 master key. An empty value yields an
// ephemeral master key, usable for local development only: anything encrypted
// with it is unreadable after a restart.
func NewFromBase64(masterB64 string) (*Vault, error) {
	var master []byte
	if masterB64 == "" {
		master = make([]byte, MinMasterLength)
		if err := readRandom(master); err != nil {
			return nil, err
		}
	} else {
		raw, err := base64.StdEncoding.DecodeString(masterB64)
		if err != nil {
			return nil, fmt.Errorf("keyvault: decode master key: %w", err)
		}
		master = raw
	}
	return New(master)
}

// NewConversationKey generates a fresh key and returns it wrapped, ready to
// be persisted with the conversation row.
func (v *Vault) NewConversationKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if err := readRandom(key); err != nil {
		return nil, err
	}
	return seal(v.kek, []byte(wrapScope), key)
}

// Seal encrypts plaintext under the unwrapped conversation key. scope is
// bound as associated data so ciphertext cannot be replayed into another
// conversation or object type.
func (v *Vault) Seal(wrappedKey []byte, scope string, plaintext []byte) ([]byte, error) {
	aead, err := v.conversationAEAD(wrappedKey)
	if err != nil {
		return nil, err
	}
	return seal(aead, []byte(scope), plaintext)
}

// Open reverses Seal. Any authentication failure, including a wrong key or
// scope, reports domain.ErrDecryptionFailed.
func (v *Vault) Open(wrappedKey []byte, scope string, sealed []byte) ([]byte, error) {
	aead, err := v.conversationAEAD(wrappedKey)
	if err != nil {
		return nil, err
	}
	return open(aead, []byte(scope), sealed)
}

func (v *Vault) conversationAEAD(wrappedKey []byte) (cipher.AEAD, error) {
	key, err := open(v.kek, []byte(wrapScope), wrappedKey)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("keyvault: %w: unexpected key size %d", domain.ErrDecryptionFailed, len(key))
	}
	return chacha20poly1305.NewX(key)
}

func seal(aead cipher.AEAD, ad, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if err := readRandom(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

func open(aead cipher.AEAD, ad, sealed []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(sealed) < ns+aead.Overhead() {
		return nil, fmt.Errorf("keyvault: %w: ciphertext too short", domain.ErrDecryptionFailed)
	}
	out, err := aead.Open(nil, sealed[:ns], sealed[ns:], ad)
	if err != nil {
		return nil, fmt.Errorf("keyvault: %w", domain.ErrDecryptionFailed)
	}
	return out, nil
}
