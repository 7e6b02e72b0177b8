package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-webhook-relay/core"
	"github.com/uptrace/bun"
)

// transitionAttempts bounds the optimistic update loop when two writers race
// on the same record.
const transitionAttempts = 3

type IdempotencyStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewIdempotencyStore(db *bun.DB) (*IdempotencyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &IdempotencyStore{db: db, now: time.Now}, nil
}

func (s *IdempotencyStore) CheckProcessed(ctx context.Context, eventID string, provider core.Provider) (core.IdempotencyRecord, error) {
	if s == nil || s.db == nil {
		return core.IdempotencyRecord{}, errStoreNotConfigured
	}
	eventID, err := validateKey(eventID, provider)
	if err != nil {
		return core.IdempotencyRecord{}, err
	}
	row, err := s.load(ctx, s.db, eventID, provider)
	if err != nil {
		return core.IdempotencyRecord{}, storageError(err, "check processed", keyMetadata(eventID, provider))
	}
	return row.toDomain(), nil
}

// MarkProcessing inserts a pending row with ON CONFLICT DO NOTHING and then
// reads whichever row won. Exactly one concurrent caller observes created.
func (s *IdempotencyStore) MarkProcessing(
	ctx context.Context,
	eventID string,
	provider core.Provider,
	correlationID string,
) (core.IdempotencyRecord, bool, error) {
	if s == nil || s.db == nil {
		return core.IdempotencyRecord{}, false, errStoreNotConfigured
	}
	eventID, err := validateKey(eventID, provider)
	if err != nil {
		return core.IdempotencyRecord{}, false, err
	}
	now := s.clock()
	row := &idempotencyRecordRow{
		EventID:       eventID,
		Provider:      string(provider),
		Status:        string(core.IdempotencyStatusPending),
		CorrelationID: strings.TrimSpace(correlationID),
		ReceivedAt:    now,
		UpdatedAt:     now,
	}
	res, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (event_id, provider) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return core.IdempotencyRecord{}, false, storageError(err, "mark processing", keyMetadata(eventID, provider))
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return row.toDomain(), true, nil
	}
	existing, err := s.load(ctx, s.db, eventID, provider)
	if err != nil {
		return core.IdempotencyRecord{}, false, storageError(err, "mark processing", keyMetadata(eventID, provider))
	}
	return existing.toDomain(), false, nil
}

func (s *IdempotencyStore) MarkProcessed(ctx context.Context, eventID string, provider core.Provider) (core.IdempotencyRecord, error) {
	return s.transition(ctx, eventID, provider, core.IdempotencyStatusProcessed, "", "")
}

func (s *IdempotencyStore) MarkFailed(
	ctx context.Context,
	eventID string,
	provider core.Provider,
	errorMessage string,
) (core.IdempotencyRecord, error) {
	return s.transition(ctx, eventID, provider, core.IdempotencyStatusFailed, errorMessage, "")
}

func (s *IdempotencyStore) ResetForReprocess(
	ctx context.Context,
	eventID string,
	provider core.Provider,
	correlationID string,
) (core.IdempotencyRecord, error) {
	return s.transition(ctx, eventID, provider, core.IdempotencyStatusPending, "", correlationID)
}

func (s *IdempotencyStore) TouchPending(ctx context.Context, eventID string, provider core.Provider, heldUntil time.Time) error {
	if s == nil || s.db == nil {
		return errStoreNotConfigured
	}
	eventID, err := validateKey(eventID, provider)
	if err != nil {
		return err
	}
	if heldUntil.IsZero() {
		heldUntil = s.clock()
	}
	_, err = s.db.NewUpdate().
		Model((*idempotencyRecordRow)(nil)).
		Set("updated_at = ?", heldUntil.UTC()).
		Where("event_id = ?", eventID).
		Where("provider = ?", string(provider)).
		Where("status = ?", string(core.IdempotencyStatusPending)).
		Exec(ctx)
	return storageError(err, "touch pending", keyMetadata(eventID, provider))
}

// transition applies the domain state machine to the stored row and writes it
// back only if the status has not moved underneath.
func (s *IdempotencyStore) transition(
	ctx context.Context,
	eventID string,
	provider core.Provider,
	status core.IdempotencyStatus,
	errorMessage string,
	correlationID string,
) (core.IdempotencyRecord, error) {
	if s == nil || s.db == nil {
		return core.IdempotencyRecord{}, errStoreNotConfigured
	}
	eventID, err := validateKey(eventID, provider)
	if err != nil {
		return core.IdempotencyRecord{}, err
	}
	meta := keyMetadata(eventID, provider)
	for range transitionAttempts {
		row, err := s.load(ctx, s.db, eventID, provider)
		if err != nil {
			return core.IdempotencyRecord{}, storageError(err, "transition", meta)
		}
		record := row.toDomain()
		previous := record.Status
		if err := record.TransitionTo(status, errorMessage, s.clock()); err != nil {
			return core.IdempotencyRecord{}, err
		}
		if previous == core.IdempotencyStatusProcessed && status == core.IdempotencyStatusProcessed {
			return record, nil
		}
		if trimmed := strings.TrimSpace(correlationID); trimmed != "" {
			record.CorrelationID = trimmed
		}

		res, err := s.db.NewUpdate().
			Model((*idempotencyRecordRow)(nil)).
			Set("status = ?", string(record.Status)).
			Set("error_message = ?", record.ErrorMessage).
			Set("retry_count = ?", record.RetryCount).
			Set("processed_at = ?", record.ProcessedAt).
			Set("correlation_id = ?", record.CorrelationID).
			Set("updated_at = ?", record.UpdatedAt).
			Where("event_id = ?", eventID).
			Where("provider = ?", string(provider)).
			Where("status = ?", string(previous)).
			Exec(ctx)
		if err != nil {
			return core.IdempotencyRecord{}, storageError(err, "transition", meta)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			return record, nil
		}
	}
	return core.IdempotencyRecord{}, fmt.Errorf("%w: concurrent update on %s/%s",
		core.ErrInvalidIdempotencyStatusTransition, provider, eventID)
}

func (s *IdempotencyStore) load(ctx context.Context, db bun.IDB, eventID string, provider core.Provider) (*idempotencyRecordRow, error) {
	row := &idempotencyRecordRow{}
	err := db.NewSelect().
		Model(row).
		Where("?TableAlias.event_id = ?", eventID).
		Where("?TableAlias.provider = ?", string(provider)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s/%s", core.ErrIdempotencyNotFound, provider, eventID)
		}
		return nil, err
	}
	return row, nil
}

func (s *IdempotencyStore) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func validateKey(eventID string, provider core.Provider) (string, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", core.ErrEventIDRequired
	}
	if err := provider.Validate(); err != nil {
		return "", err
	}
	return eventID, nil
}

func keyMetadata(eventID string, provider core.Provider) map[string]any {
	return map[string]any{"event_id": eventID, "provider": string(provider)}
}
