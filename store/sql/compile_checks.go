package sqlstore

import "github.com/goliatone/go-webhook-relay/core"

var (
	_ core.IdempotencyStore     = (*IdempotencyStore)(nil)
	_ core.StaleTouchStore      = (*IdempotencyStore)(nil)
	_ core.DeadLetterRepository = (*DeadLetterStore)(nil)
	_ core.JobQueue             = (*JobQueueStore)(nil)
	_ core.AuditSink            = (*AuditStore)(nil)
)
