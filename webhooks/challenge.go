package webhooks

import (
	"crypto/subtle"
	"strings"

	"github.com/goliatone/go-webhook-relay/core"
)

const ChallengeModeSubscribe = "subscribe"

// VerifyChallenge answers the platform subscription handshake. It returns the
// challenge to echo back when mode is "subscribe" and token matches.
func VerifyChallenge(mode string, token string, challenge string, expectedToken string) (string, error) {
	expected := strings.TrimSpace(expectedToken)
	if expected == "" {
		return "", core.AuthenticationFailure("verify token is not configured", nil)
	}
	if !strings.EqualFold(strings.TrimSpace(mode), ChallengeModeSubscribe) {
		return "", core.BadInputError("unsupported hub.mode", map[string]any{"mode": mode})
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(expected)) != 1 {
		return "", core.AuthenticationFailure("verify token mismatch", nil)
	}
	if strings.TrimSpace(challenge) == "" {
		return "", core.BadInputError("hub.challenge is required", nil)
	}
	return challenge, nil
}
