package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-webhook-relay/audit"
	relaycommand "github.com/goliatone/go-webhook-relay/command"
	"github.com/goliatone/go-webhook-relay/core"
	"github.com/goliatone/go-webhook-relay/inbound"
	"github.com/goliatone/go-webhook-relay/maintenance"
	relayquery "github.com/goliatone/go-webhook-relay/query"
	"github.com/goliatone/go-webhook-relay/security"
	"github.com/goliatone/go-webhook-relay/webhooks"
	"github.com/goliatone/go-webhook-relay/worker"
)

const (
	testAppSecret = "app-secret"
	deadLetterKey = "dead-letter-key"
	whatsAppEvent = `{"entry":[{"changes":[{"value":{"messages":[{"id":"wamid.R1","text":{"body":"order #42"}}]}}]}]}`
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Worker.Concurrency = 2
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.Backoff = core.BackoffSpec{Mode: core.BackoffFixed, Base: 5 * time.Millisecond}
	cfg.Providers = map[string]core.ProviderConfig{"whatsapp": {Secret: testAppSecret}}
	cfg.HTTP.VerifyToken = "verify-me"
	return cfg
}

func newTestRuntime(t *testing.T, handler BusinessHandler) (*Runtime, *audit.MemorySink) {
	t.Helper()
	return newConfiguredRuntime(t, testConfig(), handler)
}

func newConfiguredRuntime(t *testing.T, cfg Config, handler BusinessHandler, opts ...Option) (*Runtime, *audit.MemorySink) {
	t.Helper()
	secrets, err := security.NewAESGCMSecretProviderFromString(deadLetterKey)
	if err != nil {
		t.Fatalf("secret provider: %v", err)
	}
	sink := audit.NewMemorySink()
	opts = append([]Option{WithSecretProvider(secrets), WithAuditSink(sink)}, opts...)
	runtime, err := New(cfg, handler, opts...)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if err := runtime.Start(context.Background()); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = runtime.Close(ctx)
	})
	return runtime, sink
}

func postSigned(t *testing.T, runtime *Runtime, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, inbound.DefaultRoutePrefix+"/whatsapp", bytes.NewBufferString(body))
	req.Header.Set(webhooks.SignatureHeader, webhooks.SignatureHeaderValue([]byte(body), []byte(testAppSecret)))
	resp, err := runtime.NewHTTPApp().Test(req, -1)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	return resp
}

func waitForStatus(t *testing.T, runtime *Runtime, eventID string, want core.IdempotencyStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		record, err := runtime.IdempotencyStore().CheckProcessed(context.Background(), eventID, core.ProviderWhatsApp)
		if err == nil && record.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s never reached %s", eventID, want)
}

func TestRuntimeRetriesTransientFailuresUntilProcessed(t *testing.T) {
	var calls atomic.Int32
	runtime, sink := newTestRuntime(t, BusinessHandlerFunc(func(_ context.Context, provider core.Provider, payload []byte, correlationID string) error {
		if provider != core.ProviderWhatsApp || string(payload) != whatsAppEvent || correlationID == "" {
			return core.FatalProcessingError(nil, "unexpected delivery")
		}
		if calls.Add(1) <= 2 {
			return core.HTTPStatusError(http.StatusServiceUnavailable, "downstream unavailable")
		}
		return nil
	}))

	if resp := postSigned(t, runtime, whatsAppEvent); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	waitForStatus(t, runtime, "wamid.R1", core.IdempotencyStatusProcessed)

	if calls.Load() != 3 {
		t.Fatalf("expected three handler calls, got %d", calls.Load())
	}
	if stats := runtime.Pool().Stats(); stats.Retried != 2 || stats.DeadLettered != 0 {
		t.Fatalf("unexpected pool stats %#v", stats)
	}
	if got := len(sink.OfType(core.AuditWebhookProcessed)); got != 1 {
		t.Fatalf("expected one processed audit event, got %d", got)
	}
	records, err := runtime.Facade().Queries().List.Query(context.Background(), relayquery.ListDeadLettersMessage{})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(records))
	}

	// a platform retry of a processed event is acknowledged without work
	if resp := postSigned(t, runtime, whatsAppEvent); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected duplicate to be acknowledged, got %d", resp.StatusCode)
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 3 {
		t.Fatalf("expected duplicate not to reach the handler, got %d calls", calls.Load())
	}
}

func TestRuntimeDeadLettersFatalFailuresAndReprocesses(t *testing.T) {
	var healthy atomic.Bool
	var calls atomic.Int32
	runtime, sink := newTestRuntime(t, BusinessHandlerFunc(func(context.Context, core.Provider, []byte, string) error {
		calls.Add(1)
		if !healthy.Load() {
			return core.HTTPStatusError(http.StatusBadRequest, "rejected by downstream")
		}
		return nil
	}))
	ctx := context.Background()

	if resp := postSigned(t, runtime, whatsAppEvent); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	waitForStatus(t, runtime, "wamid.R1", core.IdempotencyStatusFailed)
	if calls.Load() != 1 {
		t.Fatalf("expected fatal error not to be retried, got %d calls", calls.Load())
	}

	records, err := runtime.Facade().Queries().List.Query(ctx, relayquery.ListDeadLettersMessage{
		Filter: core.DeadLetterFilter{Provider: core.ProviderWhatsApp},
	})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(records) != 1 || records[0].EventID != "wamid.R1" || len(records[0].PayloadEncrypted) != 0 {
		t.Fatalf("unexpected dead letters %#v", records)
	}

	retrieved, err := runtime.Facade().Queries().Retrieve.Query(ctx, relayquery.RetrieveDeadLetterMessage{ID: records[0].ID, Actor: "ops"})
	if err != nil {
		t.Fatalf("retrieve dead letter: %v", err)
	}
	if string(retrieved.Payload) != whatsAppEvent {
		t.Fatalf("expected decrypted payload, got %q", retrieved.Payload)
	}

	healthy.Store(true)
	if err := runtime.Facade().Commands().Reprocess.Execute(ctx, relaycommand.ReprocessDeadLetterMessage{ID: records[0].ID, Actor: "ops"}); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	waitForStatus(t, runtime, "wamid.R1", core.IdempotencyStatusProcessed)

	reprocessed := sink.OfType(core.AuditDeadLetterReprocessed)
	if len(reprocessed) != 1 || reprocessed[0].Actor != "ops" {
		t.Fatalf("expected reprocess audited with actor, got %#v", reprocessed)
	}
	err = runtime.Facade().Commands().Reprocess.Execute(ctx, relaycommand.ReprocessDeadLetterMessage{ID: records[0].ID})
	if !errors.Is(err, core.ErrDeadLetterAlreadyReprocessed) {
		t.Fatalf("expected second reprocess to be rejected, got %v", err)
	}
}

func TestRuntimeRetentionTaskIsScheduled(t *testing.T) {
	runtime, _ := newTestRuntime(t, BusinessHandlerFunc(func(context.Context, core.Provider, []byte, string) error { return nil }))
	deleted, err := runtime.Scheduler().RunNow(context.Background(), maintenance.TaskDeadLetterRetention)
	if err != nil {
		t.Fatalf("run retention: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected nothing to purge, got %d", deleted)
	}
}

func TestNewRequiresSecretsHandlerAndValidConfig(t *testing.T) {
	handler := BusinessHandlerFunc(func(context.Context, core.Provider, []byte, string) error { return nil })
	secrets, err := security.NewAESGCMSecretProviderFromString("key")
	if err != nil {
		t.Fatalf("secret provider: %v", err)
	}

	if _, err := New(testConfig(), handler); !errors.Is(err, core.ErrMissingEncryptionKey) {
		t.Fatalf("expected missing encryption key error, got %v", err)
	}
	if _, err := New(testConfig(), nil, WithSecretProvider(secrets)); err == nil {
		t.Fatalf("expected missing handler error")
	}
	invalid := testConfig()
	invalid.Queue.Backend = "kafka"
	if _, err := New(invalid, handler, WithSecretProvider(secrets)); err == nil {
		t.Fatalf("expected invalid config error")
	}
}

func TestRuntimeStartTwiceFails(t *testing.T) {
	runtime, _ := newTestRuntime(t, BusinessHandlerFunc(func(context.Context, core.Provider, []byte, string) error { return nil }))
	if err := runtime.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
}

func TestRuntimeRecoversAfterThreeUnavailableAnswers(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.MaxAttempts = 4

	var mu sync.Mutex
	var delays []time.Duration
	hook := worker.HookFuncs{Retry: func(_ context.Context, event worker.Event) {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, event.Delay)
	}}
	var calls atomic.Int32
	runtime, _ := newConfiguredRuntime(t, cfg, BusinessHandlerFunc(func(context.Context, core.Provider, []byte, string) error {
		if calls.Add(1) <= 3 {
			return core.HTTPStatusError(http.StatusServiceUnavailable, "downstream unavailable")
		}
		return nil
	}), WithWorkerHooks(hook))

	if resp := postSigned(t, runtime, whatsAppEvent); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	waitForStatus(t, runtime, "wamid.R1", core.IdempotencyStatusProcessed)

	if calls.Load() != 4 {
		t.Fatalf("expected four handler calls, got %d", calls.Load())
	}
	if stats := runtime.Pool().Stats(); stats.Retried != 3 || stats.DeadLettered != 0 {
		t.Fatalf("unexpected pool stats %#v", stats)
	}
	mu.Lock()
	got := append([]time.Duration(nil), delays...)
	mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected three retry delays, got %v", got)
	}
	for i, delay := range got {
		if delay != 5*time.Millisecond {
			t.Fatalf("retry %d: expected the fixed 5ms backoff, got %s", i+1, delay)
		}
	}
	records, err := runtime.Facade().Queries().List.Query(context.Background(), relayquery.ListDeadLettersMessage{})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(records))
	}
}

// lineLogger keeps every line at every level so tests can search the output.
type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Trace(msg string, args ...any) { l.add(msg, args) }
func (l *lineLogger) Debug(msg string, args ...any) { l.add(msg, args) }
func (l *lineLogger) Info(msg string, args ...any)  { l.add(msg, args) }
func (l *lineLogger) Warn(msg string, args ...any)  { l.add(msg, args) }
func (l *lineLogger) Error(msg string, args ...any) { l.add(msg, args) }
func (l *lineLogger) Fatal(msg string, args ...any) { l.add(msg, args) }

func (l *lineLogger) WithContext(context.Context) glog.Logger { return l }

func (l *lineLogger) GetLogger(string) glog.Logger { return l }

func (l *lineLogger) add(msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg+" "+fmt.Sprint(args...))
}

func (l *lineLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func TestRuntimeKeepsPayloadAndSecretsOutOfLogsAndAudit(t *testing.T) {
	logs := &lineLogger{}
	runtime, sink := newConfiguredRuntime(t, testConfig(), BusinessHandlerFunc(func(context.Context, core.Provider, []byte, string) error {
		return core.HTTPStatusError(http.StatusServiceUnavailable, "downstream unavailable")
	}), WithLogger(logs), WithLoggerProvider(logs))
	ctx := context.Background()

	if resp := postSigned(t, runtime, whatsAppEvent); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	waitForStatus(t, runtime, "wamid.R1", core.IdempotencyStatusFailed)
	if stats := runtime.Pool().Stats(); stats.Retried != 2 || stats.DeadLettered != 1 {
		t.Fatalf("expected two retries then a dead letter, got %#v", stats)
	}

	records, err := runtime.Facade().Queries().List.Query(ctx, relayquery.ListDeadLettersMessage{})
	if err != nil || len(records) != 1 {
		t.Fatalf("list dead letters: %v (%d records)", err, len(records))
	}
	retrieved, err := runtime.Facade().Queries().Retrieve.Query(ctx, relayquery.RetrieveDeadLetterMessage{ID: records[0].ID, Actor: "ops"})
	if err != nil {
		t.Fatalf("retrieve dead letter: %v", err)
	}
	if string(retrieved.Payload) != whatsAppEvent {
		t.Fatalf("expected decrypted payload, got %q", retrieved.Payload)
	}

	lines := logs.snapshot()
	if len(lines) == 0 {
		t.Fatalf("expected the runtime to log through the supplied logger")
	}
	secrets := []string{whatsAppEvent, "order #42", testAppSecret, deadLetterKey}
	for _, line := range lines {
		for _, secret := range secrets {
			if strings.Contains(line, secret) {
				t.Fatalf("log line leaks %q: %s", secret, line)
			}
		}
	}
	events := sink.Events()
	if len(sink.OfType(core.AuditDeadLetterRetrieved)) != 1 {
		t.Fatalf("expected the retrieval to be audited, got %#v", events)
	}
	for _, event := range events {
		dump := fmt.Sprintf("%#v", event)
		for _, secret := range secrets {
			if strings.Contains(dump, secret) {
				t.Fatalf("audit event %s leaks %q", event.Type, secret)
			}
		}
	}
}
