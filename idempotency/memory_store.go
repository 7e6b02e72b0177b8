package idempotency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-webhook-relay/core"
)

// MemoryStore keeps records in a map guarded by a mutex. MarkProcessing is
// atomic under the lock, which gives the same single-winner guarantee as the
// SQL upsert for one process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]core.IdempotencyRecord
	now     func() time.Time
}

type recordKey struct {
	eventID  string
	provider core.Provider
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[recordKey]core.IdempotencyRecord{},
		now:     time.Now,
	}
}

// WithClock replaces the clock used to stamp records.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	if s != nil && now != nil {
		s.now = now
	}
	return s
}

func (s *MemoryStore) CheckProcessed(_ context.Context, eventID string, provider core.Provider) (core.IdempotencyRecord, error) {
	key, err := newRecordKey(eventID, provider)
	if err != nil {
		return core.IdempotencyRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return core.IdempotencyRecord{}, notFound(key)
	}
	return cloneRecord(record), nil
}

func (s *MemoryStore) MarkProcessing(
	_ context.Context,
	eventID string,
	provider core.Provider,
	correlationID string,
) (core.IdempotencyRecord, bool, error) {
	key, err := newRecordKey(eventID, provider)
	if err != nil {
		return core.IdempotencyRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[key]; ok {
		return cloneRecord(existing), false, nil
	}
	now := s.clock()
	record := core.IdempotencyRecord{
		EventID:       key.eventID,
		Provider:      key.provider,
		Status:        core.IdempotencyStatusPending,
		CorrelationID: strings.TrimSpace(correlationID),
		ReceivedAt:    now,
		UpdatedAt:     now,
	}
	s.records[key] = record
	return cloneRecord(record), true, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, eventID string, provider core.Provider) (core.IdempotencyRecord, error) {
	return s.transition(eventID, provider, core.IdempotencyStatusProcessed, "", "")
}

func (s *MemoryStore) MarkFailed(_ context.Context, eventID string, provider core.Provider, errorMessage string) (core.IdempotencyRecord, error) {
	return s.transition(eventID, provider, core.IdempotencyStatusFailed, errorMessage, "")
}

func (s *MemoryStore) ResetForReprocess(
	_ context.Context,
	eventID string,
	provider core.Provider,
	correlationID string,
) (core.IdempotencyRecord, error) {
	return s.transition(eventID, provider, core.IdempotencyStatusPending, "", correlationID)
}

func (s *MemoryStore) TouchPending(_ context.Context, eventID string, provider core.Provider, heldUntil time.Time) error {
	key, err := newRecordKey(eventID, provider)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return notFound(key)
	}
	if record.Status == core.IdempotencyStatusPending {
		if heldUntil.IsZero() {
			heldUntil = s.clock()
		}
		record.UpdatedAt = heldUntil.UTC()
		s.records[key] = record
	}
	return nil
}

// Len reports how many records are held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) transition(
	eventID string,
	provider core.Provider,
	status core.IdempotencyStatus,
	errorMessage string,
	correlationID string,
) (core.IdempotencyRecord, error) {
	key, err := newRecordKey(eventID, provider)
	if err != nil {
		return core.IdempotencyRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return core.IdempotencyRecord{}, notFound(key)
	}
	if err := record.TransitionTo(status, errorMessage, s.clock()); err != nil {
		return core.IdempotencyRecord{}, err
	}
	if trimmed := strings.TrimSpace(correlationID); trimmed != "" {
		record.CorrelationID = trimmed
	}
	s.records[key] = record
	return cloneRecord(record), nil
}

func (s *MemoryStore) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func newRecordKey(eventID string, provider core.Provider) (recordKey, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return recordKey{}, core.ErrEventIDRequired
	}
	if err := provider.Validate(); err != nil {
		return recordKey{}, err
	}
	return recordKey{eventID: eventID, provider: provider}, nil
}

func notFound(key recordKey) error {
	return fmt.Errorf("%w: %s/%s", core.ErrIdempotencyNotFound, key.provider, key.eventID)
}

func cloneRecord(record core.IdempotencyRecord) core.IdempotencyRecord {
	if record.ProcessedAt != nil {
		at := *record.ProcessedAt
		record.ProcessedAt = &at
	}
	return record
}

var (
	_ core.IdempotencyStore = (*MemoryStore)(nil)
	_ core.StaleTouchStore  = (*MemoryStore)(nil)
)
