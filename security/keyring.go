package security

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-webhook-relay/core"
)

// KeyRotationWindow gates when a key is allowed to encrypt.
type KeyRotationWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func (w KeyRotationWindow) Allows(at time.Time) bool {
	ts := at.UTC()
	if !w.NotBefore.IsZero() && ts.Before(w.NotBefore.UTC()) {
		return false
	}
	if !w.NotAfter.IsZero() && ts.After(w.NotAfter.UTC()) {
		return false
	}
	return true
}

type keyringEntry struct {
	provider *AESGCMSecretProvider
	window   KeyRotationWindow
}

// Keyring encrypts with the newest key whose window is open and decrypts with
// whichever key the envelope names, so dead letters written before a rotation
// stay readable.
type Keyring struct {
	mu      sync.RWMutex
	entries []keyringEntry
	now     func() time.Time
}

func NewKeyring(primary *AESGCMSecretProvider) (*Keyring, error) {
	if primary == nil {
		return nil, core.ErrMissingEncryptionKey
	}
	return &Keyring{
		entries: []keyringEntry{{provider: primary}},
		now:     time.Now,
	}, nil
}

// Add registers a key. Later additions take precedence for encryption while
// their window allows it.
func (k *Keyring) Add(provider *AESGCMSecretProvider, window KeyRotationWindow) error {
	if provider == nil {
		return core.ErrMissingEncryptionKey
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, entry := range k.entries {
		if entry.provider.KeyID() == provider.KeyID() && entry.provider.Version() == provider.Version() {
			return fmt.Errorf("security: key %s/v%d already registered", provider.KeyID(), provider.Version())
		}
	}
	k.entries = append(k.entries, keyringEntry{provider: provider, window: window})
	return nil
}

func (k *Keyring) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	provider, err := k.active()
	if err != nil {
		return nil, err
	}
	return provider.Encrypt(ctx, plaintext)
}

func (k *Keyring) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	for i := len(k.entries) - 1; i >= 0; i-- {
		provider := k.entries[i].provider
		if strings.EqualFold(provider.KeyID(), meta.KeyID) && (meta.Version == 0 || provider.Version() == meta.Version) {
			return provider.Decrypt(ctx, ciphertext)
		}
	}
	return nil, fmt.Errorf("security: no key registered for %s/v%d", meta.KeyID, meta.Version)
}

func (k *Keyring) active() (*AESGCMSecretProvider, error) {
	if k == nil {
		return nil, core.ErrMissingEncryptionKey
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	now := time.Now()
	if k.now != nil {
		now = k.now()
	}
	for i := len(k.entries) - 1; i >= 0; i-- {
		if k.entries[i].window.Allows(now) {
			return k.entries[i].provider, nil
		}
	}
	return nil, fmt.Errorf("security: no encryption key is active at %s", now.UTC().Format(time.RFC3339))
}

var _ core.SecretProvider = (*Keyring)(nil)
