package main

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/goliatone/go-webhook-relay/adapters/gocommand"
	relaycommand "github.com/goliatone/go-webhook-relay/command"
	"github.com/goliatone/go-webhook-relay/core"
	relayquery "github.com/goliatone/go-webhook-relay/query"
)

const (
	adminPrefix      = "/admin/dead-letters"
	adminActorHeader = "X-Relay-Actor"
	defaultActor     = "admin"
)

// deadLetterView is the listing shape. Ciphertext stays server side.
type deadLetterView struct {
	ID            string     `json:"id"`
	EventID       string     `json:"event_id"`
	Provider      string     `json:"provider"`
	CorrelationID string     `json:"correlation_id"`
	ErrorMessage  string     `json:"error_message"`
	RetryCount    int        `json:"retry_count"`
	FailedAt      time.Time  `json:"failed_at"`
	Status        string     `json:"status"`
	ReprocessedAt *time.Time `json:"reprocessed_at,omitempty"`
}

type retrievedDeadLetter struct {
	deadLetterView
	Payload []byte `json:"payload"`
}

func viewOf(record core.DeadLetterRecord) deadLetterView {
	return deadLetterView{
		ID:            record.ID,
		EventID:       record.EventID,
		Provider:      string(record.Provider),
		CorrelationID: record.CorrelationID,
		ErrorMessage:  record.ErrorMessage,
		RetryCount:    record.RetryCount,
		FailedAt:      record.FailedAt,
		Status:        string(record.Status),
		ReprocessedAt: record.ReprocessedAt,
	}
}

// mountAdmin exposes the dead letter operations registered on the go-command
// dispatcher behind a bearer token.
func mountAdmin(app *fiber.App, token string) {
	router := app.Group(adminPrefix, requireToken(token))
	router.Get("/", listDeadLetters)
	router.Get("/:id", retrieveDeadLetter)
	router.Post("/:id/reprocess", reprocessDeadLetter)
	router.Delete("/", purgeDeadLetters)
}

func requireToken(token string) fiber.Handler {
	expected := []byte("Bearer " + token)
	return func(c *fiber.Ctx) error {
		got := []byte(c.Get(fiber.HeaderAuthorization))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			return fiber.NewError(http.StatusUnauthorized, "admin token required")
		}
		return c.Next()
	}
}

func actorOf(c *fiber.Ctx) string {
	if actor := strings.TrimSpace(c.Get(adminActorHeader)); actor != "" {
		return actor
	}
	return defaultActor
}

func listDeadLetters(c *fiber.Ctx) error {
	filter := core.DeadLetterFilter{
		Provider: core.Provider(strings.ToLower(strings.TrimSpace(c.Query("provider")))),
		Status:   core.DeadLetterStatus(strings.TrimSpace(c.Query("status"))),
		Limit:    c.QueryInt("limit", 0),
		Offset:   c.QueryInt("offset", 0),
	}
	records, err := gocommand.Query[relayquery.ListDeadLettersMessage, []core.DeadLetterRecord](
		c.UserContext(), relayquery.ListDeadLettersMessage{Filter: filter},
	)
	if err != nil {
		return err
	}
	views := make([]deadLetterView, 0, len(records))
	for _, record := range records {
		views = append(views, viewOf(record))
	}
	return c.JSON(views)
}

func retrieveDeadLetter(c *fiber.Ctx) error {
	record, err := gocommand.Query[relayquery.RetrieveDeadLetterMessage, core.DeadLetterRecord](
		c.UserContext(), relayquery.RetrieveDeadLetterMessage{ID: c.Params("id"), Actor: actorOf(c)},
	)
	if err != nil {
		return err
	}
	return c.JSON(retrievedDeadLetter{deadLetterView: viewOf(record), Payload: record.Payload})
}

func reprocessDeadLetter(c *fiber.Ctx) error {
	err := gocommand.Dispatch(c.UserContext(), relaycommand.ReprocessDeadLetterMessage{ID: c.Params("id"), Actor: actorOf(c)})
	if err != nil {
		return err
	}
	return c.SendStatus(http.StatusAccepted)
}

func purgeDeadLetters(c *fiber.Ctx) error {
	olderThan, err := time.ParseDuration(c.Query("older_than"))
	if err != nil {
		return core.BadInputError("older_than must be a duration such as 720h", nil)
	}
	if err := gocommand.Dispatch(c.UserContext(), relaycommand.PurgeDeadLettersMessage{OlderThan: olderThan, Actor: actorOf(c)}); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}
