package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-webhook-relay/core"
)

var errStoreNotConfigured = errors.New("sqlstore: store is not configured")

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

// storageError keeps typed domain errors and context cancellation intact and
// reports everything else as the store being unavailable.
func storageError(err error, operation string, metadata map[string]any) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, core.ErrIdempotencyNotFound),
		errors.Is(err, core.ErrDeadLetterNotFound),
		errors.Is(err, core.ErrInvalidIdempotencyStatusTransition),
		errors.Is(err, core.ErrInvalidDeadLetterStatusTransition),
		errors.Is(err, core.ErrDeadLetterAlreadyReprocessed),
		errors.Is(err, core.ErrEventIDRequired),
		errors.Is(err, core.ErrUnknownProvider):
		return err
	}
	return core.InfrastructureError(err, fmt.Sprintf("sqlstore: %s failed", operation), metadata)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
