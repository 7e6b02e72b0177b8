package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-webhook-relay/core"
)

type Option func(*AESGCMSecretProvider)

// AESGCMSecretProvider seals payloads with AES-256-GCM under a single key and
// wraps them in a versioned envelope.
type AESGCMSecretProvider struct {
	aead    cipher.AEAD
	keyID   string
	version int
}

func WithKeyID(id string) Option {
	return func(provider *AESGCMSecretProvider) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			provider.keyID = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(provider *AESGCMSecretProvider) {
		if version > 0 {
			provider.version = version
		}
	}
}

// NewAESGCMSecretProvider fails with core.ErrMissingEncryptionKey when no key
// material is supplied. A 32 byte key is used as is; any other length is
// stretched with SHA-256.
func NewAESGCMSecretProvider(keyMaterial []byte, opts ...Option) (*AESGCMSecretProvider, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, core.ErrMissingEncryptionKey
	}
	block, err := aes.NewCipher(normalizeKey(key))
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	provider := &AESGCMSecretProvider{
		aead:    aead,
		keyID:   "relay-dlq",
		version: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider, nil
}

func NewAESGCMSecretProviderFromString(key string, opts ...Option) (*AESGCMSecretProvider, error) {
	return NewAESGCMSecretProvider([]byte(key), opts...)
}

func (p *AESGCMSecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil || p.aead == nil {
		return nil, core.ErrMissingEncryptionKey
	}
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := p.aead.Seal(nil, nonce, plaintext, p.associatedData())
	return encodeEnvelope(envelope{
		KeyID:      p.keyID,
		Version:    p.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (p *AESGCMSecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil || p.aead == nil {
		return nil, core.ErrMissingEncryptionKey
	}
	parsed, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	if parsed.KeyID != "" && parsed.KeyID != p.keyID {
		return nil, fmt.Errorf("security: key id mismatch: got %q want %q", parsed.KeyID, p.keyID)
	}
	if parsed.Version > 0 && parsed.Version != p.version {
		return nil, fmt.Errorf("security: key version mismatch: got %d want %d", parsed.Version, p.version)
	}
	nonce, err := decodeBase64Field("nonce", parsed.Nonce)
	if err != nil {
		return nil, err
	}
	if len(nonce) != p.aead.NonceSize() {
		return nil, fmt.Errorf("security: invalid nonce length %d", len(nonce))
	}
	sealed, err := decodeBase64Field("ciphertext", parsed.Ciphertext)
	if err != nil {
		return nil, err
	}
	plaintext, err := p.aead.Open(nil, nonce, sealed, p.associatedData())
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (p *AESGCMSecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.keyID
}

func (p *AESGCMSecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.version
}

// associatedData binds the sealed bytes to the envelope key id and version.
func (p *AESGCMSecretProvider) associatedData() []byte {
	return []byte(fmt.Sprintf("%s:%d", p.keyID, p.version))
}

func normalizeKey(value []byte) []byte {
	if len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	return sum[:]
}

var _ core.SecretProvider = (*AESGCMSecretProvider)(nil)
