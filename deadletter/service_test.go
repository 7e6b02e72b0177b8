package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-webhook-relay/audit"
	"github.com/goliatone/go-webhook-relay/core"
	"github.com/goliatone/go-webhook-relay/idempotency"
	"github.com/goliatone/go-webhook-relay/queue"
	"github.com/goliatone/go-webhook-relay/security"
)

type fixture struct {
	service *Service
	repo    *MemoryRepository
	store   *idempotency.MemoryStore
	queue   *queue.MemoryQueue
	audit   *audit.MemorySink
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	secrets, err := security.NewAESGCMSecretProviderFromString("dead-letter-test-key")
	if err != nil {
		t.Fatalf("new secret provider: %v", err)
	}
	f := fixture{
		repo:  NewMemoryRepository(),
		store: idempotency.NewMemoryStore(),
		queue: queue.NewMemoryQueue(),
		audit: audit.NewMemorySink(),
	}
	t.Cleanup(func() { _ = f.queue.Close() })
	f.service, err = NewService(f.repo, secrets,
		WithIdempotencyStore(f.store),
		WithEnqueuer(f.queue),
		WithAuditSink(f.audit),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return f
}

func (f fixture) storeFailed(t *testing.T, eventID string, payload []byte) string {
	t.Helper()
	ctx := context.Background()
	if _, _, err := f.store.MarkProcessing(ctx, eventID, core.ProviderWhatsApp, "corr-"+eventID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if _, err := f.store.MarkFailed(ctx, eventID, core.ProviderWhatsApp, "handler exploded"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	id, err := f.service.Store(ctx, core.StoreDeadLetterInput{
		EventID:       eventID,
		Provider:      core.ProviderWhatsApp,
		CorrelationID: "corr-" + eventID,
		Payload:       payload,
		ErrorMessage:  "handler exploded",
		RetryCount:    5,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return id
}

func TestNewService_RequiresSecretProvider(t *testing.T) {
	if _, err := NewService(NewMemoryRepository(), nil); !errors.Is(err, core.ErrMissingEncryptionKey) {
		t.Fatalf("expected missing encryption key, got %v", err)
	}
}

func TestService_StoreEncryptsAndRetrieveIsAudited(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"entry":[{"id":"wamid.1"}]}`)
	id := f.storeFailed(t, "evt-1", payload)

	raw, err := f.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get raw: %v", err)
	}
	if string(raw.PayloadEncrypted) == string(payload) || len(raw.PayloadEncrypted) == 0 {
		t.Fatalf("expected payload to be stored encrypted")
	}
	if raw.Status != core.DeadLetterStatusStored || raw.RetryCount != 5 {
		t.Fatalf("unexpected stored record %#v", raw)
	}

	ctx := core.ContextWithActor(context.Background(), "ops@example.com")
	record, err := f.service.Retrieve(ctx, id)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if string(record.Payload) != string(payload) {
		t.Fatalf("expected decrypted payload, got %q", record.Payload)
	}

	retrieved := f.audit.OfType(core.AuditDeadLetterRetrieved)
	if len(retrieved) != 1 {
		t.Fatalf("expected one retrieval audit event, got %d", len(retrieved))
	}
	if retrieved[0].Actor != "ops@example.com" || retrieved[0].Metadata["dead_letter_id"] != id {
		t.Fatalf("unexpected retrieval audit %#v", retrieved[0])
	}
	if len(f.audit.OfType(core.AuditDeadLetterStored)) != 1 {
		t.Fatalf("expected store to be audited")
	}
}

func TestService_ListRedactsPayloads(t *testing.T) {
	f := newFixture(t)
	f.storeFailed(t, "evt-a", []byte("a"))
	f.storeFailed(t, "evt-b", []byte("b"))

	records, err := f.service.List(context.Background(), core.DeadLetterFilter{Provider: core.ProviderWhatsApp})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for _, record := range records {
		if record.PayloadEncrypted != nil || record.Payload != nil {
			t.Fatalf("expected list to omit payloads, got %#v", record)
		}
	}
	if _, err := f.service.List(context.Background(), core.DeadLetterFilter{Limit: -1}); err == nil {
		t.Fatalf("expected invalid filter error")
	}
}

func TestService_ReprocessResetsIdempotencyAndEnqueues(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"id":"evt-r"}`)
	id := f.storeFailed(t, "evt-r", payload)

	handle, err := f.service.Reprocess(context.Background(), id)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if handle.ID == "" || handle.EventID != "evt-r" {
		t.Fatalf("unexpected handle %#v", handle)
	}

	record, err := f.store.CheckProcessed(context.Background(), "evt-r", core.ProviderWhatsApp)
	if err != nil {
		t.Fatalf("check processed: %v", err)
	}
	if record.Status != core.IdempotencyStatusPending {
		t.Fatalf("expected idempotency reset to pending, got %q", record.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	delivery, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	job := delivery.Job()
	if string(job.Payload) != string(payload) || job.Attempt != 1 {
		t.Fatalf("expected fresh job with original payload, got %#v", job)
	}

	stored, _ := f.repo.Get(context.Background(), id)
	if stored.Status != core.DeadLetterStatusReprocessed || stored.ReprocessedAt == nil {
		t.Fatalf("expected dead letter marked reprocessed, got %#v", stored)
	}
	if len(f.audit.OfType(core.AuditDeadLetterReprocessed)) != 1 {
		t.Fatalf("expected reprocess audit event")
	}

	if _, err := f.service.Reprocess(context.Background(), id); !errors.Is(err, core.ErrDeadLetterAlreadyReprocessed) {
		t.Fatalf("expected already reprocessed error, got %v", err)
	}
}

func TestService_ReprocessCreatesMissingIdempotencyRecord(t *testing.T) {
	f := newFixture(t)
	id, err := f.service.Store(context.Background(), core.StoreDeadLetterInput{
		EventID:  "evt-orphan",
		Provider: core.ProviderGeneric,
		Payload:  []byte("x"),
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := f.service.Reprocess(context.Background(), id); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	record, err := f.store.CheckProcessed(context.Background(), "evt-orphan", core.ProviderGeneric)
	if err != nil || record.Status != core.IdempotencyStatusPending {
		t.Fatalf("expected pending record, got %#v err=%v", record, err)
	}
}

func TestService_PurgeRemovesOldRecords(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.service.now = func() time.Time { return now }

	ctx := context.Background()
	if _, err := f.service.Store(ctx, core.StoreDeadLetterInput{
		EventID: "old", Provider: core.ProviderGeneric, Payload: []byte("o"), FailedAt: now.Add(-40 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("store old: %v", err)
	}
	if _, err := f.service.Store(ctx, core.StoreDeadLetterInput{
		EventID: "new", Provider: core.ProviderGeneric, Payload: []byte("n"), FailedAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("store new: %v", err)
	}

	deleted, err := f.service.Purge(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted record, got %d", deleted)
	}
	remaining, _ := f.service.List(ctx, core.DeadLetterFilter{})
	if len(remaining) != 1 || remaining[0].EventID != "new" {
		t.Fatalf("unexpected remaining records %#v", remaining)
	}
	if _, err := f.service.Purge(ctx, 0); err == nil {
		t.Fatalf("expected non-positive retention to be rejected")
	}
}
