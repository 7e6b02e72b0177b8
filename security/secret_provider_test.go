package security

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-webhook-relay/core"
)

func TestAESGCMSecretProvider_EncryptDecryptRoundTrip(t *testing.T) {
	provider, err := NewAESGCMSecretProviderFromString("super-secret-test-key", WithKeyID("dlq-v1"), WithVersion(3))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	plaintext := []byte(`{"entry":[{"id":"123"}],"binary":"\u0000ÿ"}`)
	encrypted, err := provider.Encrypt(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(encrypted, plaintext) {
		t.Fatalf("expected ciphertext not to contain plaintext")
	}
	if !bytes.HasPrefix(encrypted, []byte(envelopePrefix)) {
		t.Fatalf("expected envelope prefix")
	}

	decrypted, err := provider.Decrypt(context.Background(), encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("expected byte-for-byte roundtrip; got %q", string(decrypted))
	}

	meta, err := ParseEnvelopeMetadata(encrypted)
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if meta.KeyID != "dlq-v1" || meta.Version != 3 || meta.Algorithm != envelopeAlgorithm {
		t.Fatalf("unexpected envelope metadata %#v", meta)
	}
}

func TestAESGCMSecretProvider_EmptyPlaintextRoundTrips(t *testing.T) {
	provider, err := NewAESGCMSecretProviderFromString("key")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	encrypted, err := provider.Encrypt(context.Background(), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	decrypted, err := provider.Decrypt(context.Background(), encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(decrypted) != 0 {
		t.Fatalf("expected empty plaintext, got %q", decrypted)
	}
}

func TestNewAESGCMSecretProvider_MissingKeyIsHardFailure(t *testing.T) {
	if _, err := NewAESGCMSecretProvider(nil); !errors.Is(err, core.ErrMissingEncryptionKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := NewAESGCMSecretProviderFromString("   "); !errors.Is(err, core.ErrMissingEncryptionKey) {
		t.Fatalf("expected blank key error, got %v", err)
	}
}

func TestAESGCMSecretProvider_RejectsTamperingAndWrongKey(t *testing.T) {
	issuer, _ := NewAESGCMSecretProviderFromString("key-one")
	other, _ := NewAESGCMSecretProviderFromString("key-two")

	encrypted, err := issuer.Encrypt(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := other.Decrypt(context.Background(), encrypted); err == nil {
		t.Fatalf("expected authentication failure with a different key")
	}

	tampered := strings.Replace(string(encrypted), `"ver":1`, `"ver":2`, 1)
	if _, err := issuer.Decrypt(context.Background(), []byte(tampered)); err == nil {
		t.Fatalf("expected version mismatch error")
	}
	if _, err := issuer.Decrypt(context.Background(), []byte("plaintext")); err == nil {
		t.Fatalf("expected missing envelope prefix error")
	}
}

func TestKeyring_RotatesEncryptionAndKeepsOldKeysReadable(t *testing.T) {
	oldKey, _ := NewAESGCMSecretProviderFromString("old-key", WithKeyID("dlq"), WithVersion(1))
	newKey, _ := NewAESGCMSecretProviderFromString("new-key", WithKeyID("dlq"), WithVersion(2))

	keyring, err := NewKeyring(oldKey)
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	legacy, err := keyring.Encrypt(context.Background(), []byte("legacy"))
	if err != nil {
		t.Fatalf("encrypt legacy: %v", err)
	}

	if err := keyring.Add(newKey, KeyRotationWindow{NotBefore: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("add key: %v", err)
	}
	current, err := keyring.Encrypt(context.Background(), []byte("current"))
	if err != nil {
		t.Fatalf("encrypt current: %v", err)
	}
	meta, _ := ParseEnvelopeMetadata(current)
	if meta.Version != 2 {
		t.Fatalf("expected new key to encrypt, got version %d", meta.Version)
	}

	for input, want := range map[string]string{string(legacy): "legacy", string(current): "current"} {
		got, err := keyring.Decrypt(context.Background(), []byte(input))
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if string(got) != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}

	if err := keyring.Add(newKey, KeyRotationWindow{}); err == nil {
		t.Fatalf("expected duplicate key registration error")
	}
}

func TestKeyRotationWindowAllows(t *testing.T) {
	now := time.Now()
	window := KeyRotationWindow{NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour)}
	if !window.Allows(now) {
		t.Fatalf("expected window to allow now")
	}
	if window.Allows(now.Add(2 * time.Hour)) {
		t.Fatalf("expected window to reject after not_after")
	}
}
