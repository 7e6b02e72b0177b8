package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/goliatone/go-webhook-relay/core"
	"github.com/goliatone/go-webhook-relay/idempotency"
	"github.com/goliatone/go-webhook-relay/queue"
	"github.com/goliatone/go-webhook-relay/webhooks"
)

var testSecret = []byte("app-secret")

const whatsAppBody = `{"entry":[{"changes":[{"value":{"messages":[{"id":"wamid.A","text":{"body":"hi"}}]}}]}]}`

type pipeline struct {
	queue *queue.MemoryQueue
	store *idempotency.MemoryStore
	app   *fiber.App
}

func newPipeline(t *testing.T, cfg core.HTTPConfig) pipeline {
	t.Helper()
	memQueue := queue.NewMemoryQueue()
	store := idempotency.NewMemoryStore()
	ingestor, err := webhooks.NewIngestor(
		webhooks.NewHeaderHMACVerifier(map[core.Provider][]byte{core.ProviderWhatsApp: testSecret}),
		store,
		memQueue,
	)
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	handler, err := NewHandler(ingestor, WithVerifyToken("verify-me"))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return pipeline{queue: memQueue, store: store, app: NewApp(handler, cfg)}
}

func signedRequest(provider string, body string, secret []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, DefaultRoutePrefix+"/"+provider, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(webhooks.SignatureHeader, webhooks.SignatureHeaderValue([]byte(body), secret))
	return req
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestReceiveAcceptsSignedDeliveryAndDedupesRetries(t *testing.T) {
	p := newPipeline(t, core.HTTPConfig{})

	resp, err := p.app.Test(signedRequest("whatsapp", whatsAppBody, testSecret), -1)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(webhooks.CorrelationHeader) == "" {
		t.Fatalf("expected correlation header on ack")
	}
	ack := decode[ackBody](t, resp)
	if ack.EventID != "wamid.A" || ack.Deduped {
		t.Fatalf("unexpected ack %#v", ack)
	}
	record, err := p.store.CheckProcessed(context.Background(), "wamid.A", core.ProviderWhatsApp)
	if err != nil || record.Status != core.IdempotencyStatusPending {
		t.Fatalf("expected pending record, got %#v err=%v", record, err)
	}

	resp, err = p.app.Test(signedRequest("whatsapp", whatsAppBody, testSecret), -1)
	if err != nil {
		t.Fatalf("retry delivery: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected retried delivery to be acknowledged, got %d", resp.StatusCode)
	}
	if ack := decode[ackBody](t, resp); !ack.Deduped {
		t.Fatalf("expected retry to be deduped, got %#v", ack)
	}
	if stats := p.queue.Stats(); stats.Ready != 1 {
		t.Fatalf("expected exactly one job, got %#v", stats)
	}
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	p := newPipeline(t, core.HTTPConfig{})

	resp, err := p.app.Test(signedRequest("whatsapp", whatsAppBody, []byte("wrong")), -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body := decode[errorBody](t, resp)
	if body.Error.TextCode != core.RelayErrorAuthenticationFailed {
		t.Fatalf("unexpected error body %#v", body)
	}
	if stats := p.queue.Stats(); stats.Ready != 0 {
		t.Fatalf("expected nothing enqueued, got %#v", stats)
	}
}

func TestReceiveUnknownProviderIsNotFound(t *testing.T) {
	p := newPipeline(t, core.HTTPConfig{})

	resp, err := p.app.Test(signedRequest("telegram", whatsAppBody, testSecret), -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

type failingIngestor struct{}

func (failingIngestor) Ingest(context.Context, core.InboundRequest) (core.IngestResult, error) {
	return core.IngestResult{StatusCode: http.StatusServiceUnavailable, CorrelationID: "corr-9"},
		core.InfrastructureError(errors.New("connection refused"), "idempotency store unavailable", nil)
}

func TestReceiveSurfacesUnavailableStore(t *testing.T) {
	handler, err := NewHandler(failingIngestor{})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	app := NewApp(handler, core.HTTPConfig{})

	resp, err := app.Test(signedRequest("generic", `{"id":"x"}`, testSecret), -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get(webhooks.CorrelationHeader) != "corr-9" {
		t.Fatalf("expected correlation header to be echoed")
	}
	body := decode[errorBody](t, resp)
	if body.Error.TextCode != core.RelayErrorInfrastructure || body.Error.CorrelationID != "corr-9" {
		t.Fatalf("unexpected error body %#v", body)
	}
}

func TestChallengeEchoesHandshake(t *testing.T) {
	p := newPipeline(t, core.HTTPConfig{})

	target := DefaultRoutePrefix + "/messenger?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444"
	resp, err := p.app.Test(httptest.NewRequest(http.MethodGet, target, nil), -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(raw) != "1158201444" {
		t.Fatalf("expected challenge echo, got %d %q", resp.StatusCode, raw)
	}

	target = DefaultRoutePrefix + "/messenger?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1"
	resp, err = p.app.Test(httptest.NewRequest(http.MethodGet, target, nil), -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong token, got %d", resp.StatusCode)
	}
}

func TestNewAppServesHealthAndLimitsDeliveries(t *testing.T) {
	p := newPipeline(t, core.HTTPConfig{RequestsPerMinute: 1})

	resp, err := p.app.Test(httptest.NewRequest(http.MethodGet, HealthPath, nil), -1)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	if resp, err = p.app.Test(signedRequest("whatsapp", whatsAppBody, testSecret), -1); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("expected first delivery accepted, got %v %v", resp, err)
	}
	resp, err = p.app.Test(signedRequest("whatsapp", whatsAppBody, testSecret), -1)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if body := decode[errorBody](t, resp); body.Error.TextCode != core.RelayErrorRateLimited {
		t.Fatalf("unexpected error body %#v", body)
	}
}

func TestNewHandlerRequiresIngestor(t *testing.T) {
	if _, err := NewHandler(nil); err == nil {
		t.Fatalf("expected missing ingestor error")
	}
}
