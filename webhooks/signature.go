package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/goliatone/go-webhook-relay/core"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	SignaturePrefix = "sha256="
)

// VerifySignature reports whether signatureHeader carries the hex encoded
// HMAC-SHA256 of rawBody under secret. The "sha256=" prefix is optional.
// Missing, malformed, or wrong-length signatures and an empty secret all
// yield false.
func VerifySignature(rawBody []byte, signatureHeader string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	signature := strings.TrimSpace(signatureHeader)
	if len(signature) >= len(SignaturePrefix) && strings.EqualFold(signature[:len(SignaturePrefix)], SignaturePrefix) {
		signature = signature[len(SignaturePrefix):]
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	return subtle.ConstantTimeCompare(provided, ComputeSignature(rawBody, secret)) == 1
}

// ComputeSignature returns the raw HMAC-SHA256 of body.
func ComputeSignature(body []byte, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeaderValue renders the header value a platform would send.
func SignatureHeaderValue(body []byte, secret []byte) string {
	return SignaturePrefix + hex.EncodeToString(ComputeSignature(body, secret))
}

// HeaderHMACVerifier checks one header against a per-provider secret.
type HeaderHMACVerifier struct {
	Header  string
	Secrets map[core.Provider][]byte
}

func NewHeaderHMACVerifier(secrets map[core.Provider][]byte) HeaderHMACVerifier {
	copied := make(map[core.Provider][]byte, len(secrets))
	for provider, secret := range secrets {
		copied[provider] = append([]byte(nil), secret...)
	}
	return HeaderHMACVerifier{Header: SignatureHeader, Secrets: copied}
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	header := strings.TrimSpace(v.Header)
	if header == "" {
		header = SignatureHeader
	}
	secret := v.Secrets[req.Provider]
	if len(secret) == 0 {
		return core.AuthenticationFailure(core.ErrProviderSecretNotConfigured.Error(), map[string]any{
			"provider": string(req.Provider),
		})
	}
	value := headerValue(req.Headers, header)
	if value == "" {
		return core.AuthenticationFailure("webhook signature header is required", map[string]any{
			"provider": string(req.Provider),
			"header":   header,
		})
	}
	if !VerifySignature(req.Body, value, secret) {
		return core.AuthenticationFailure("", map[string]any{
			"provider": string(req.Provider),
		})
	}
	return nil
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
