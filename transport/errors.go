package transport

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-webhook-relay/core"
)

func configError(message string, metadata map[string]any) error {
	err := goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.RelayErrorBadInput)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// deliveryError marks a failure to reach the downstream or read its answer.
// Nothing was confirmed, so the attempt is retryable.
func deliveryError(source error, message string, metadata map[string]any) error {
	err := core.TransientProcessingError(source, message)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}
