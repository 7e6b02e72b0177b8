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

// AuditStore appends audit events to relay_audit_events. Metadata is redacted
// before it is written.
type AuditStore struct {
	db   *bun.DB
	repo repository.Repository[*auditEventRow]
}

func NewAuditStore(db *bun.DB) (*AuditStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*auditEventRow](db, auditEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid audit repository wiring: %w", err)
		}
	}
	return &AuditStore{db: db, repo: repo}, nil
}

func (s *AuditStore) Record(ctx context.Context, event core.AuditEvent) error {
	if s == nil || s.repo == nil {
		return errStoreNotConfigured
	}
	if strings.TrimSpace(string(event.Type)) == "" {
		return fmt.Errorf("sqlstore: audit event type is required")
	}
	id := strings.TrimSpace(event.ID)
	if id == "" {
		id = uuid.NewString()
	}
	occurredAt := event.OccurredAt.UTC()
	if event.OccurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	actor := strings.TrimSpace(event.Actor)
	if actor == "" {
		actor = "system"
	}
	_, err := s.repo.Create(ctx, &auditEventRow{
		ID:            id,
		Type:          string(event.Type),
		EventID:       strings.TrimSpace(event.EventID),
		Provider:      string(event.Provider),
		CorrelationID: strings.TrimSpace(event.CorrelationID),
		Status:        strings.TrimSpace(event.Status),
		Attempt:       event.Attempt,
		Actor:         actor,
		Metadata:      copyAnyMap(core.RedactSensitiveMap(event.Metadata)),
		OccurredAt:    occurredAt,
	})
	return storageError(err, "record audit event", map[string]any{"event_id": event.EventID})
}

type AuditFilter struct {
	EventID  string
	Provider core.Provider
	Type     core.AuditEventType
	Limit    int
	Offset   int
}

// List returns audit events oldest first.
func (s *AuditStore) List(ctx context.Context, filter AuditFilter) ([]core.AuditEvent, error) {
	if s == nil || s.repo == nil {
		return nil, errStoreNotConfigured
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("occurred_at ASC"),
		repository.SelectPaginate(limit, max(filter.Offset, 0)),
	}
	if eventID := strings.TrimSpace(filter.EventID); eventID != "" {
		selectors = append(selectors, repository.SelectBy("event_id", "=", eventID))
	}
	if filter.Provider != "" {
		selectors = append(selectors, repository.SelectBy("provider", "=", string(filter.Provider)))
	}
	if filter.Type != "" {
		selectors = append(selectors, repository.SelectBy("type", "=", string(filter.Type)))
	}
	rows, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, storageError(err, "list audit events", nil)
	}
	out := make([]core.AuditEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
