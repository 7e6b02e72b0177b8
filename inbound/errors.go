package inbound

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/goliatone/go-webhook-relay/core"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	TextCode      string `json:"text_code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeError renders err as the relay error envelope. status wins over the
// code carried by err when it is set.
func writeError(c *fiber.Ctx, status int, err error, correlationID string) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		if status == 0 {
			status = fiberErr.Code
		}
		return c.Status(status).JSON(errorBody{Error: errorDetail{
			TextCode:      textCodeForStatus(status),
			Message:       fiberErr.Message,
			CorrelationID: correlationID,
		}})
	}

	rich := core.ToRelayError(err)
	if status == 0 {
		status = rich.Code
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}
	message := strings.TrimSpace(rich.Message)
	if status >= http.StatusInternalServerError && rich.TextCode != core.RelayErrorInfrastructure {
		message = http.StatusText(status)
	}
	return c.Status(status).JSON(errorBody{Error: errorDetail{
		TextCode:      rich.TextCode,
		Message:       message,
		CorrelationID: correlationID,
	}})
}

func textCodeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.RelayErrorAuthenticationFailed
	case status == http.StatusTooManyRequests:
		return core.RelayErrorRateLimited
	case status >= 400 && status < 500:
		return core.RelayErrorBadInput
	default:
		return core.RelayErrorInternal
	}
}

// ErrorHandler is the fiber error handler for the ingestion app.
func ErrorHandler(c *fiber.Ctx, err error) error {
	return writeError(c, 0, err, string(c.Response().Header.Peek(correlationHeader)))
}
