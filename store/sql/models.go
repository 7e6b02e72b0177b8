package sqlstore

import (
	"time"

	"github.com/goliatone/go-webhook-relay/core"
	"github.com/uptrace/bun"
)

type idempotencyRecordRow struct {
	bun.BaseModel `bun:"table:relay_idempotency_records,alias:rir"`

	EventID       string     `bun:"event_id,pk"`
	Provider      string     `bun:"provider,pk"`
	Status        string     `bun:"status,notnull"`
	CorrelationID string     `bun:"correlation_id,notnull"`
	ErrorMessage  string     `bun:"error_message,notnull"`
	RetryCount    int        `bun:"retry_count,notnull"`
	ReceivedAt    time.Time  `bun:"received_at,notnull"`
	ProcessedAt   *time.Time `bun:"processed_at,nullzero"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull"`
}

func (r *idempotencyRecordRow) toDomain() core.IdempotencyRecord {
	if r == nil {
		return core.IdempotencyRecord{}
	}
	record := core.IdempotencyRecord{
		EventID:       r.EventID,
		Provider:      core.Provider(r.Provider),
		Status:        core.IdempotencyStatus(r.Status),
		CorrelationID: r.CorrelationID,
		ReceivedAt:    r.ReceivedAt.UTC(),
		ErrorMessage:  r.ErrorMessage,
		RetryCount:    r.RetryCount,
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.ProcessedAt != nil {
		value := r.ProcessedAt.UTC()
		record.ProcessedAt = &value
	}
	return record
}

type deadLetterRow struct {
	bun.BaseModel `bun:"table:relay_dead_letters,alias:rdl"`

	ID               string     `bun:"id,pk"`
	EventID          string     `bun:"event_id,notnull"`
	Provider         string     `bun:"provider,notnull"`
	CorrelationID    string     `bun:"correlation_id,notnull"`
	PayloadEncrypted []byte     `bun:"payload_encrypted,notnull"`
	ErrorMessage     string     `bun:"error_message,notnull"`
	RetryCount       int        `bun:"retry_count,notnull"`
	Status           string     `bun:"status,notnull"`
	FailedAt         time.Time  `bun:"failed_at,notnull"`
	ReprocessedAt    *time.Time `bun:"reprocessed_at,nullzero"`
	CreatedAt        time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func deadLetterRowFromDomain(record core.DeadLetterRecord) *deadLetterRow {
	row := &deadLetterRow{
		ID:               record.ID,
		EventID:          record.EventID,
		Provider:         string(record.Provider),
		CorrelationID:    record.CorrelationID,
		PayloadEncrypted: append([]byte(nil), record.PayloadEncrypted...),
		ErrorMessage:     record.ErrorMessage,
		RetryCount:       record.RetryCount,
		Status:           string(record.Status),
		FailedAt:         record.FailedAt.UTC(),
		CreatedAt:        time.Now().UTC(),
	}
	if record.ReprocessedAt != nil {
		value := record.ReprocessedAt.UTC()
		row.ReprocessedAt = &value
	}
	return row
}

func (r *deadLetterRow) toDomain() core.DeadLetterRecord {
	if r == nil {
		return core.DeadLetterRecord{}
	}
	record := core.DeadLetterRecord{
		ID:               r.ID,
		EventID:          r.EventID,
		Provider:         core.Provider(r.Provider),
		CorrelationID:    r.CorrelationID,
		PayloadEncrypted: append([]byte(nil), r.PayloadEncrypted...),
		ErrorMessage:     r.ErrorMessage,
		RetryCount:       r.RetryCount,
		Status:           core.DeadLetterStatus(r.Status),
		FailedAt:         r.FailedAt.UTC(),
	}
	if r.ReprocessedAt != nil {
		value := r.ReprocessedAt.UTC()
		record.ReprocessedAt = &value
	}
	return record
}

type jobRow struct {
	bun.BaseModel `bun:"table:relay_jobs,alias:rj"`

	ID            string           `bun:"id,pk"`
	EventID       string           `bun:"event_id,notnull"`
	Provider      string           `bun:"provider,notnull"`
	CorrelationID string           `bun:"correlation_id,notnull"`
	Payload       []byte           `bun:"payload,notnull"`
	Status        string           `bun:"status,notnull"`
	Attempt       int              `bun:"attempt,notnull"`
	MaxAttempts   int              `bun:"max_attempts,notnull"`
	Backoff       core.BackoffSpec `bun:"backoff,type:jsonb,notnull"`
	AvailableAt   time.Time        `bun:"available_at,notnull"`
	LeaseUntil    *time.Time       `bun:"lease_until,nullzero"`
	LastError     string           `bun:"last_error,notnull"`
	EnqueuedAt    time.Time        `bun:"enqueued_at,notnull"`
	UpdatedAt     time.Time        `bun:"updated_at,notnull"`
}

func (r jobRow) toDomain() core.WebhookJob {
	return core.WebhookJob{
		ID:            r.ID,
		EventID:       r.EventID,
		Provider:      core.Provider(r.Provider),
		CorrelationID: r.CorrelationID,
		Payload:       append([]byte(nil), r.Payload...),
		EnqueuedAt:    r.EnqueuedAt.UTC(),
		Attempt:       r.Attempt,
		MaxAttempts:   r.MaxAttempts,
		Backoff:       r.Backoff,
	}
}

type auditEventRow struct {
	bun.BaseModel `bun:"table:relay_audit_events,alias:rae"`

	ID            string         `bun:"id,pk"`
	Type          string         `bun:"type,notnull"`
	EventID       string         `bun:"event_id,notnull"`
	Provider      string         `bun:"provider,notnull"`
	CorrelationID string         `bun:"correlation_id,notnull"`
	Status        string         `bun:"status,notnull"`
	Attempt       int            `bun:"attempt,notnull"`
	Actor         string         `bun:"actor,notnull"`
	Metadata      map[string]any `bun:"metadata,type:jsonb,notnull"`
	OccurredAt    time.Time      `bun:"occurred_at,notnull"`
}

func (r *auditEventRow) toDomain() core.AuditEvent {
	if r == nil {
		return core.AuditEvent{}
	}
	return core.AuditEvent{
		ID:            r.ID,
		Type:          core.AuditEventType(r.Type),
		EventID:       r.EventID,
		Provider:      core.Provider(r.Provider),
		CorrelationID: r.CorrelationID,
		Status:        r.Status,
		Attempt:       r.Attempt,
		Actor:         r.Actor,
		Metadata:      copyAnyMap(r.Metadata),
		OccurredAt:    r.OccurredAt.UTC(),
	}
}
