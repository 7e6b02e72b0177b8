package idempotency

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-webhook-relay/core"
)

const cacheKeyPrefix = "relay::idempotency::v1"

// CachedStore puts a read-through cache in front of CheckProcessed. Only
// terminal records stay cached; pending records are evicted right after the
// read so workers always see a fresh pending state. Every write through the
// store invalidates the key.
type CachedStore struct {
	base  core.IdempotencyStore
	cache repositorycache.CacheService
}

func NewCachedStore(base core.IdempotencyStore, cacheService repositorycache.CacheService) (*CachedStore, error) {
	if base == nil {
		return nil, fmt.Errorf("idempotency: base store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("idempotency: cache service is required")
	}
	return &CachedStore{base: base, cache: cacheService}, nil
}

// CacheKey is relay::idempotency::v1::<provider>::<event_id> with each
// segment URL-path escaped.
func CacheKey(eventID string, provider core.Provider) (string, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", core.ErrEventIDRequired
	}
	if err := provider.Validate(); err != nil {
		return "", err
	}
	return strings.Join([]string{
		cacheKeyPrefix,
		url.PathEscape(string(provider)),
		url.PathEscape(eventID),
	}, "::"), nil
}

func (s *CachedStore) CheckProcessed(ctx context.Context, eventID string, provider core.Provider) (core.IdempotencyRecord, error) {
	key, err := CacheKey(eventID, provider)
	if err != nil {
		return core.IdempotencyRecord{}, err
	}
	record, err := repositorycache.GetOrFetch(ctx, s.cache, key, func(ctx context.Context) (core.IdempotencyRecord, error) {
		return s.base.CheckProcessed(ctx, eventID, provider)
	})
	if err != nil {
		return core.IdempotencyRecord{}, err
	}
	if !record.Status.Terminal() {
		_ = s.cache.Delete(ctx, key)
	}
	return cloneRecord(record), nil
}

func (s *CachedStore) MarkProcessing(
	ctx context.Context,
	eventID string,
	provider core.Provider,
	correlationID string,
) (core.IdempotencyRecord, bool, error) {
	record, created, err := s.base.MarkProcessing(ctx, eventID, provider, correlationID)
	if err != nil {
		return core.IdempotencyRecord{}, false, err
	}
	return record, created, nil
}

func (s *CachedStore) MarkProcessed(ctx context.Context, eventID string, provider core.Provider) (core.IdempotencyRecord, error) {
	record, err := s.base.MarkProcessed(ctx, eventID, provider)
	if invalidateErr := s.invalidate(ctx, eventID, provider); err == nil && invalidateErr != nil {
		return record, invalidateErr
	}
	return record, err
}

func (s *CachedStore) MarkFailed(ctx context.Context, eventID string, provider core.Provider, errorMessage string) (core.IdempotencyRecord, error) {
	record, err := s.base.MarkFailed(ctx, eventID, provider, errorMessage)
	if invalidateErr := s.invalidate(ctx, eventID, provider); err == nil && invalidateErr != nil {
		return record, invalidateErr
	}
	return record, err
}

func (s *CachedStore) ResetForReprocess(
	ctx context.Context,
	eventID string,
	provider core.Provider,
	correlationID string,
) (core.IdempotencyRecord, error) {
	record, err := s.base.ResetForReprocess(ctx, eventID, provider, correlationID)
	if invalidateErr := s.invalidate(ctx, eventID, provider); err == nil && invalidateErr != nil {
		return record, invalidateErr
	}
	return record, err
}

func (s *CachedStore) TouchPending(ctx context.Context, eventID string, provider core.Provider, heldUntil time.Time) error {
	toucher, ok := s.base.(core.StaleTouchStore)
	if !ok {
		return nil
	}
	err := toucher.TouchPending(ctx, eventID, provider, heldUntil)
	if invalidateErr := s.invalidate(ctx, eventID, provider); err == nil && invalidateErr != nil {
		return invalidateErr
	}
	return err
}

func (s *CachedStore) invalidate(ctx context.Context, eventID string, provider core.Provider) error {
	key, err := CacheKey(eventID, provider)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, key)
}

var (
	_ core.IdempotencyStore = (*CachedStore)(nil)
	_ core.StaleTouchStore  = (*CachedStore)(nil)
)
