package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-webhook-relay/core"
)

const defaultDeadLetterPageSize = 50

// DeadLetterStore persists encrypted dead letters. It never sees plaintext.
type DeadLetterStore struct {
	db   *bun.DB
	repo repository.Repository[*deadLetterRow]
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deadLetterRow](db, deadLetterHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dead letter repository wiring: %w", err)
		}
	}
	return &DeadLetterStore{db: db, repo: repo}, nil
}

func (s *DeadLetterStore) Insert(ctx context.Context, record core.DeadLetterRecord) (core.DeadLetterRecord, error) {
	if s == nil || s.repo == nil {
		return core.DeadLetterRecord{}, errStoreNotConfigured
	}
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = core.DeadLetterStatusStored
	}
	if record.FailedAt.IsZero() {
		record.FailedAt = time.Now().UTC()
	}
	if len(record.PayloadEncrypted) == 0 {
		return core.DeadLetterRecord{}, fmt.Errorf("sqlstore: dead letter payload must be encrypted before insert")
	}
	created, err := s.repo.Create(ctx, deadLetterRowFromDomain(record))
	if err != nil {
		return core.DeadLetterRecord{}, storageError(err, "insert dead letter", map[string]any{
			"event_id": record.EventID,
			"provider": string(record.Provider),
		})
	}
	return created.toDomain(), nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (core.DeadLetterRecord, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterRecord{}, errStoreNotConfigured
	}
	row, err := s.load(ctx, strings.TrimSpace(id))
	if err != nil {
		return core.DeadLetterRecord{}, storageError(err, "get dead letter", map[string]any{"dead_letter_id": id})
	}
	return row.toDomain(), nil
}

func (s *DeadLetterStore) List(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetterRecord, error) {
	if s == nil || s.repo == nil {
		return nil, errStoreNotConfigured
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDeadLetterPageSize
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("failed_at DESC"),
		repository.SelectPaginate(limit, filter.Offset),
	}
	if filter.Provider != "" {
		selectors = append(selectors, repository.SelectBy("provider", "=", string(filter.Provider)))
	}
	if filter.Status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", string(filter.Status)))
	}
	if !filter.From.IsZero() {
		selectors = append(selectors, repository.SelectByTimetz("failed_at", ">=", filter.From.UTC()))
	}
	if !filter.To.IsZero() {
		selectors = append(selectors, repository.SelectByTimetz("failed_at", "<=", filter.To.UTC()))
	}
	rows, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, storageError(err, "list dead letters", nil)
	}
	out := make([]core.DeadLetterRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *DeadLetterStore) MarkReprocessed(ctx context.Context, id string, at time.Time) (core.DeadLetterRecord, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterRecord{}, errStoreNotConfigured
	}
	id = strings.TrimSpace(id)
	meta := map[string]any{"dead_letter_id": id}
	row, err := s.load(ctx, id)
	if err != nil {
		return core.DeadLetterRecord{}, storageError(err, "mark dead letter reprocessed", meta)
	}
	record := row.toDomain()
	if err := record.MarkReprocessed(at.UTC()); err != nil {
		return core.DeadLetterRecord{}, err
	}
	res, err := s.db.NewUpdate().
		Model((*deadLetterRow)(nil)).
		Set("status = ?", string(core.DeadLetterStatusReprocessed)).
		Set("reprocessed_at = ?", record.ReprocessedAt).
		Where("id = ?", id).
		Where("status = ?", string(core.DeadLetterStatusStored)).
		Exec(ctx)
	if err != nil {
		return core.DeadLetterRecord{}, storageError(err, "mark dead letter reprocessed", meta)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return core.DeadLetterRecord{}, fmt.Errorf("%w: %s", core.ErrDeadLetterAlreadyReprocessed, id)
	}
	return record, nil
}

// DeleteBefore removes dead letters that failed before cutoff.
func (s *DeadLetterStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, errStoreNotConfigured
	}
	res, err := s.db.NewDelete().
		Model((*deadLetterRow)(nil)).
		Where("failed_at < ?", cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, storageError(err, "purge dead letters", nil)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (s *DeadLetterStore) load(ctx context.Context, id string) (*deadLetterRow, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", core.ErrDeadLetterNotFound)
	}
	row := &deadLetterRow{}
	err := s.db.NewSelect().
		Model(row).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", core.ErrDeadLetterNotFound, id)
		}
		return nil, err
	}
	return row, nil
}
