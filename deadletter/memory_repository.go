package deadletter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-webhook-relay/core"
)

// MemoryRepository is an in-process core.DeadLetterRepository.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]core.DeadLetterRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: map[string]core.DeadLetterRecord{}}
}

func (r *MemoryRepository) Insert(_ context.Context, record core.DeadLetterRecord) (core.DeadLetterRecord, error) {
	if len(record.PayloadEncrypted) == 0 {
		return core.DeadLetterRecord{}, fmt.Errorf("deadletter: payload must be encrypted before insert")
	}
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = core.DeadLetterStatusStored
	}
	record.Payload = nil
	record = cloneRecord(record)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[record.ID]; exists {
		return core.DeadLetterRecord{}, fmt.Errorf("deadletter: record %s already exists", record.ID)
	}
	r.records[record.ID] = record
	return cloneRecord(record), nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (core.DeadLetterRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[strings.TrimSpace(id)]
	if !ok {
		return core.DeadLetterRecord{}, fmt.Errorf("%w: %s", core.ErrDeadLetterNotFound, id)
	}
	return cloneRecord(record), nil
}

func (r *MemoryRepository) List(_ context.Context, filter core.DeadLetterFilter) ([]core.DeadLetterRecord, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	matched := make([]core.DeadLetterRecord, 0, len(r.records))
	for _, record := range r.records {
		if matches(record, filter) {
			matched = append(matched, cloneRecord(record))
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].FailedAt.Equal(matched[j].FailedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].FailedAt.After(matched[j].FailedAt)
	})
	if filter.Offset >= len(matched) {
		return []core.DeadLetterRecord{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (r *MemoryRepository) MarkReprocessed(_ context.Context, id string, at time.Time) (core.DeadLetterRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[strings.TrimSpace(id)]
	if !ok {
		return core.DeadLetterRecord{}, fmt.Errorf("%w: %s", core.ErrDeadLetterNotFound, id)
	}
	if err := record.MarkReprocessed(at.UTC()); err != nil {
		return core.DeadLetterRecord{}, err
	}
	r.records[record.ID] = record
	return cloneRecord(record), nil
}

func (r *MemoryRepository) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for id, record := range r.records {
		if record.FailedAt.Before(cutoff) {
			delete(r.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func matches(record core.DeadLetterRecord, filter core.DeadLetterFilter) bool {
	if filter.Provider != "" && record.Provider != filter.Provider {
		return false
	}
	if filter.Status != "" && record.Status != filter.Status {
		return false
	}
	if !filter.From.IsZero() && record.FailedAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && record.FailedAt.After(filter.To) {
		return false
	}
	return true
}

func cloneRecord(record core.DeadLetterRecord) core.DeadLetterRecord {
	record.PayloadEncrypted = append([]byte(nil), record.PayloadEncrypted...)
	if record.Payload != nil {
		record.Payload = append([]byte(nil), record.Payload...)
	}
	if record.ReprocessedAt != nil {
		at := *record.ReprocessedAt
		record.ReprocessedAt = &at
	}
	return record
}

var _ core.DeadLetterRepository = (*MemoryRepository)(nil)
