// Package transport delivers verified webhook payloads to a downstream HTTP
// endpoint. The Forwarder is a core.BusinessHandler, so the worker pool can
// relay events without application code.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-webhook-relay/core"
	"github.com/goliatone/go-webhook-relay/webhooks"
)

const (
	HeaderProvider  = "X-Relay-Provider"
	HeaderSignature = "X-Relay-Signature-256"

	defaultClientTimeout = 30 * time.Second
	drainLimit           = 64 << 10
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Throttle gates calls per provider and learns from each downstream answer.
// ratelimit.AdaptivePolicy implements it.
type Throttle interface {
	BeforeCall(ctx context.Context, provider core.Provider) error
	AfterCall(ctx context.Context, provider core.Provider, status int, header http.Header) error
}

type ForwarderOption func(*Forwarder)

func WithClient(client HTTPDoer) ForwarderOption {
	return func(f *Forwarder) {
		if client != nil {
			f.client = client
		}
	}
}

// WithSigningSecret signs each forwarded body with HMAC-SHA256 in
// HeaderSignature using the same sha256=<hex> format platforms use.
func WithSigningSecret(secret []byte) ForwarderOption {
	return func(f *Forwarder) {
		f.secret = append([]byte(nil), secret...)
	}
}

func WithThrottle(throttle Throttle) ForwarderOption {
	return func(f *Forwarder) {
		f.throttle = throttle
	}
}

func WithHeader(key string, value string) ForwarderOption {
	return func(f *Forwarder) {
		if key = strings.TrimSpace(key); key != "" {
			f.headers[key] = strings.TrimSpace(value)
		}
	}
}

// Forwarder POSTs each payload byte for byte to one endpoint. A 2xx answer
// is success; other statuses are classified with core.HTTPStatusError.
type Forwarder struct {
	endpoint string
	client   HTTPDoer
	secret   []byte
	headers  map[string]string
	throttle Throttle
}

func NewForwarder(endpoint string, opts ...ForwarderOption) (*Forwarder, error) {
	endpoint = strings.TrimSpace(endpoint)
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, configError("transport: forward url must be absolute", map[string]any{"url": endpoint})
	}
	forwarder := &Forwarder{
		endpoint: parsed.String(),
		client:   &http.Client{Timeout: defaultClientTimeout},
		headers:  map[string]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(forwarder)
		}
	}
	return forwarder, nil
}

func (f *Forwarder) Handle(ctx context.Context, provider core.Provider, payload []byte, correlationID string) error {
	if f.throttle != nil {
		if err := f.throttle.BeforeCall(ctx, provider); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return core.FatalProcessingError(err, "transport: build forward request")
	}
	for key, value := range f.headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderProvider, string(provider))
	if correlationID != "" {
		req.Header.Set(webhooks.CorrelationHeader, correlationID)
	}
	if len(f.secret) > 0 {
		req.Header.Set(HeaderSignature, webhooks.SignatureHeaderValue(payload, f.secret))
	}

	res, err := f.client.Do(req)
	if err != nil {
		return deliveryError(err, "transport: forward request failed", map[string]any{"provider": string(provider)})
	}
	defer res.Body.Close()
	if f.throttle != nil {
		if err := f.throttle.AfterCall(ctx, provider, res.StatusCode, res.Header); err != nil {
			return deliveryError(err, "transport: record downstream quota", map[string]any{"provider": string(provider)})
		}
	}

	// the response body is drained for connection reuse and never logged
	if _, err := io.Copy(io.Discard, io.LimitReader(res.Body, drainLimit)); err != nil {
		return deliveryError(err, "transport: read forward response", map[string]any{"status_code": res.StatusCode})
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	return core.HTTPStatusError(res.StatusCode, fmt.Sprintf("downstream answered %d", res.StatusCode))
}

var _ core.BusinessHandler = (*Forwarder)(nil)
