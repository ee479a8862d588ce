package keyvault_test

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"chatcore/internal/domain"
	"chatcore/internal/keyvault"
)

func newVault(t *testing.T) *keyvault.Vault {
	t.Helper()
	v, err := keyvault.New(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestSealOpenRoundTrip(t *testing.T) {
	v := newVault(t)
	key, err := v.NewConversationKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}

	sealed, err := v.Seal(key, "thread:1", []byte("hello there"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("hello there")) {
		t.Fatalf("ciphertext leaks plaintext")
	}

	got, err := v.Open(key, "thread:1", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != "hello there" {
		t.Fatalf("expected round trip, got %q", got)
	}
}

func TestOpenRejectsForeignKeyScopeAndTampering(t *testing.T) {
	v := newVault(t)
	keyA, _ := v.NewConversationKey()
	keyB, _ := v.NewConversationKey()

	sealed, err := v.Seal(keyA, "thread:a", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := v.Open(keyB, "thread:a", sealed); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure with foreign key, got %v", err)
	}
	if _, err := v.Open(keyA, "thread:b", sealed); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure with foreign scope, got %v", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := v.Open(keyA, "thread:a", tampered); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure on tamper, got %v", err)
	}
	if _, err := v.Open(keyA, "thread:a", []byte("short")); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure on short input, got %v", err)
	}
}

func TestWrappedKeyNeedsSameMaster(t *testing.T) {
	v1 := newVault(t)
	v2, err := keyvault.New(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	key, _ := v1.NewConversationKey()
	if _, err := v2.Seal(key, "group:1", []byte("x")); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("expected unwrap failure under another master, got %v", err)
	}
}

func TestDeterministicRandomness(t *testing.T) {
	v := newVault(t)
	wrap := func() []byte {
		restore := keyvault.UseDeterministicRandom(bytes.NewReader(bytes.Repeat([]byte{1}, 4096)))
		defer restore()
		k, err := v.NewConversationKey()
		if err != nil {
			t.Fatalf("new key: %v", err)
		}
		return k
	}

	if !bytes.Equal(wrap(), wrap()) {
		t.Fatalf("expected identical wrapped keys from identical randomness")
	}
}

func TestNewFromBase64(t *testing.T) {
	if _, err := keyvault.NewFromBase64(base64.StdEncoding.EncodeToString([]byte("short"))); !errors.Is(err, keyvault.ErrInvalidMasterKey) {
		t.Fatalf("expected invalid master key, got %v", err)
	}
	if _, err := keyvault.NewFromBase64(""); err != nil {
		t.Fatalf("ephemeral vault: %v", err)
	}
}
