package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-webhook-relay/core"
)

type countingStore struct {
	*MemoryStore
	mu         sync.Mutex
	checkCalls int
}

func (s *countingStore) CheckProcessed(ctx context.Context, eventID string, provider core.Provider) (core.IdempotencyRecord, error) {
	s.mu.Lock()
	s.checkCalls++
	s.mu.Unlock()
	return s.MemoryStore.CheckProcessed(ctx, eventID, provider)
}

func (s *countingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkCalls
}

func newTestCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}

func TestCachedStore_TerminalRecordsAreCached(t *testing.T) {
	ctx := context.Background()
	base := &countingStore{MemoryStore: NewMemoryStore()}
	store, err := NewCachedStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}

	if _, _, err := store.MarkProcessing(ctx, "evt-1", core.ProviderGeneric, "corr"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if _, err := store.MarkProcessed(ctx, "evt-1", core.ProviderGeneric); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	for i := 0; i < 3; i++ {
		record, err := store.CheckProcessed(ctx, "evt-1", core.ProviderGeneric)
		if err != nil {
			t.Fatalf("check processed: %v", err)
		}
		if record.Status != core.IdempotencyStatusProcessed {
			t.Fatalf("expected processed, got %q", record.Status)
		}
	}
	if base.calls() != 1 {
		t.Fatalf("expected a single base read for a terminal record, got %d", base.calls())
	}
}

func TestCachedStore_PendingRecordsAreNotCached(t *testing.T) {
	ctx := context.Background()
	base := &countingStore{MemoryStore: NewMemoryStore()}
	store, err := NewCachedStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	if _, _, err := store.MarkProcessing(ctx, "evt-2", core.ProviderGeneric, "corr"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	if record, _ := store.CheckProcessed(ctx, "evt-2", core.ProviderGeneric); record.Status != core.IdempotencyStatusPending {
		t.Fatalf("expected pending, got %q", record.Status)
	}
	if _, err := base.MarkProcessed(ctx, "evt-2", core.ProviderGeneric); err != nil {
		t.Fatalf("mark processed on base: %v", err)
	}
	record, err := store.CheckProcessed(ctx, "evt-2", core.ProviderGeneric)
	if err != nil {
		t.Fatalf("check processed: %v", err)
	}
	if record.Status != core.IdempotencyStatusProcessed {
		t.Fatalf("expected fresh processed status behind the cache, got %q", record.Status)
	}
}

func TestCachedStore_ResetInvalidatesTerminalEntry(t *testing.T) {
	ctx := context.Background()
	store, err := NewCachedStore(NewMemoryStore(), newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	_, _, _ = store.MarkProcessing(ctx, "evt-3", core.ProviderGeneric, "corr")
	_, _ = store.MarkFailed(ctx, "evt-3", core.ProviderGeneric, "boom")
	if record, _ := store.CheckProcessed(ctx, "evt-3", core.ProviderGeneric); record.Status != core.IdempotencyStatusFailed {
		t.Fatalf("expected failed, got %q", record.Status)
	}
	if _, err := store.ResetForReprocess(ctx, "evt-3", core.ProviderGeneric, "corr-2"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	record, err := store.CheckProcessed(ctx, "evt-3", core.ProviderGeneric)
	if err != nil {
		t.Fatalf("check processed: %v", err)
	}
	if record.Status != core.IdempotencyStatusPending {
		t.Fatalf("expected reset to invalidate cached failed record, got %q", record.Status)
	}
}

func TestCacheKeyEscapesSegments(t *testing.T) {
	key, err := CacheKey("a/b::c", core.ProviderWhatsApp)
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	if key != "relay::idempotency::v1::whatsapp::a%2Fb::c" {
		t.Fatalf("unexpected cache key %q", key)
	}
}
