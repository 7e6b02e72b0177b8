package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	RelayErrorBadInput              = "RELAY_BAD_INPUT"
	RelayErrorAuthenticationFailed  = "RELAY_AUTHENTICATION_FAILED"
	RelayErrorTransientProcessing   = "RELAY_TRANSIENT_PROCESSING"
	RelayErrorFatalProcessing       = "RELAY_FATAL_PROCESSING"
	RelayErrorInfrastructure        = "RELAY_INFRASTRUCTURE_UNAVAILABLE"
	RelayErrorIdempotencyNotFound   = "RELAY_IDEMPOTENCY_NOT_FOUND"
	RelayErrorDeadLetterNotFound    = "RELAY_DEAD_LETTER_NOT_FOUND"
	RelayErrorInvalidTransition     = "RELAY_INVALID_TRANSITION"
	RelayErrorEncryptionKeyMissing  = "RELAY_ENCRYPTION_KEY_MISSING"
	RelayErrorDeadLetterReprocessed = "RELAY_DEAD_LETTER_ALREADY_REPROCESSED"
	RelayErrorInternal              = "RELAY_INTERNAL_ERROR"
	RelayErrorRateLimited           = "RELAY_RATE_LIMITED"
)

func newRelayError(
	source error,
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	var err *goerrors.Error
	if source == nil {
		err = goerrors.New(message, category)
	} else {
		err = goerrors.Wrap(source, category, message)
	}
	err = err.WithCode(code).WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(RedactSensitiveMap(metadata))
	}
	return err
}

// AuthenticationFailure is returned for a missing or invalid signature. It is
// terminal and never retried.
func AuthenticationFailure(message string, metadata map[string]any) *goerrors.Error {
	if strings.TrimSpace(message) == "" {
		message = "webhook signature verification failed"
	}
	return newRelayError(nil, message, goerrors.CategoryAuth, http.StatusUnauthorized, RelayErrorAuthenticationFailed, metadata)
}

// TransientProcessingError marks a downstream failure that should be retried
// per backoff: timeouts, 5xx, rate limiting.
func TransientProcessingError(source error, message string) *goerrors.Error {
	if strings.TrimSpace(message) == "" {
		message = "transient processing failure"
	}
	return newRelayError(source, message, goerrors.CategoryExternal, http.StatusServiceUnavailable, RelayErrorTransientProcessing, nil)
}

// FatalProcessingError marks a failure that skips the remaining attempts and
// goes straight to the dead letter store.
func FatalProcessingError(source error, message string) *goerrors.Error {
	if strings.TrimSpace(message) == "" {
		message = "fatal processing failure"
	}
	return newRelayError(source, message, goerrors.CategoryBadInput, http.StatusUnprocessableEntity, RelayErrorFatalProcessing, nil)
}

// InfrastructureError reports that a backing store or queue is unreachable.
func InfrastructureError(source error, message string, metadata map[string]any) *goerrors.Error {
	if strings.TrimSpace(message) == "" {
		message = "relay infrastructure unavailable"
	}
	return newRelayError(source, message, goerrors.CategoryExternal, http.StatusServiceUnavailable, RelayErrorInfrastructure, metadata)
}

func BadInputError(message string, metadata map[string]any) *goerrors.Error {
	return newRelayError(nil, message, goerrors.CategoryBadInput, http.StatusBadRequest, RelayErrorBadInput, metadata)
}

// HTTPStatusError classifies a downstream HTTP status. 408 and 429 and every
// 5xx are transient; the remaining 4xx are fatal.
func HTTPStatusError(status int, message string) error {
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(status)
	}
	if status >= 200 && status < 300 {
		return nil
	}
	metadata := map[string]any{"status_code": status}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return TransientProcessingError(nil, message).WithMetadata(metadata)
	case status >= 400:
		return FatalProcessingError(nil, message).WithMetadata(metadata)
	default:
		return TransientProcessingError(nil, message).WithMetadata(metadata)
	}
}

func TextCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		return richErr.TextCode
	}
	return ""
}

func IsAuthenticationFailure(err error) bool {
	return TextCode(err) == RelayErrorAuthenticationFailed
}

func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch TextCode(err) {
	case RelayErrorFatalProcessing, RelayErrorAuthenticationFailed, RelayErrorBadInput:
		return true
	}
	return errors.Is(err, ErrUnknownProvider) || errors.Is(err, ErrEventIDRequired)
}

// IsRetryable reports whether a worker should reschedule after err. Anything
// not explicitly fatal is retryable, including recovered panics and context
// deadline errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return !IsFatal(err)
}

func IsInfrastructure(err error) bool {
	return TextCode(err) == RelayErrorInfrastructure
}

// ToRelayError maps any error onto the relay envelope with a status code and
// text code filled in.
func ToRelayError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureRelayErrorEnvelope(richErr)
	}
	switch {
	case errors.Is(err, ErrIdempotencyNotFound):
		return newRelayError(err, err.Error(), goerrors.CategoryNotFound, http.StatusNotFound, RelayErrorIdempotencyNotFound, nil)
	case errors.Is(err, ErrDeadLetterNotFound):
		return newRelayError(err, err.Error(), goerrors.CategoryNotFound, http.StatusNotFound, RelayErrorDeadLetterNotFound, nil)
	case errors.Is(err, ErrDeadLetterAlreadyReprocessed):
		return newRelayError(err, err.Error(), goerrors.CategoryConflict, http.StatusConflict, RelayErrorDeadLetterReprocessed, nil)
	case errors.Is(err, ErrInvalidIdempotencyStatusTransition), errors.Is(err, ErrInvalidDeadLetterStatusTransition):
		return newRelayError(err, err.Error(), goerrors.CategoryConflict, http.StatusConflict, RelayErrorInvalidTransition, nil)
	case errors.Is(err, ErrMissingEncryptionKey):
		return newRelayError(err, err.Error(), goerrors.CategoryInternal, http.StatusInternalServerError, RelayErrorEncryptionKeyMissing, nil)
	case errors.Is(err, ErrUnknownProvider), errors.Is(err, ErrEventIDRequired):
		return newRelayError(err, err.Error(), goerrors.CategoryBadInput, http.StatusBadRequest, RelayErrorBadInput, nil)
	case errors.Is(err, ErrQueueClosed):
		return newRelayError(err, err.Error(), goerrors.CategoryExternal, http.StatusServiceUnavailable, RelayErrorInfrastructure, nil)
	}
	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureRelayErrorEnvelope(mapped)
}

func ensureRelayErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = relayHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultRelayTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultRelayTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return RelayErrorBadInput
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return RelayErrorAuthenticationFailed
	case goerrors.CategoryConflict:
		return RelayErrorInvalidTransition
	case goerrors.CategoryExternal:
		return RelayErrorInfrastructure
	default:
		return RelayErrorInternal
	}
}

func relayHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
