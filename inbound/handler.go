package inbound

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-webhook-relay/core"
	"github.com/goliatone/go-webhook-relay/webhooks"
)

const (
	DefaultRoutePrefix = "/webhooks"
	HealthPath         = "/healthz"

	correlationHeader = webhooks.CorrelationHeader
)

// Ingestor is the synchronous ingestion step the HTTP surface delegates to.
type Ingestor interface {
	Ingest(ctx context.Context, req core.InboundRequest) (core.IngestResult, error)
}

type Option func(*Handler)

// WithVerifyToken sets the token expected by the subscription handshake.
func WithVerifyToken(token string) Option {
	return func(h *Handler) {
		h.verifyToken = token
	}
}

func WithLogger(logger glog.Logger) Option {
	return func(h *Handler) {
		h.logger = glog.Ensure(logger)
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

type Handler struct {
	ingestor    Ingestor
	verifyToken string
	logger      glog.Logger
	now         func() time.Time
}

func NewHandler(ingestor Ingestor, opts ...Option) (*Handler, error) {
	if ingestor == nil {
		return nil, fmt.Errorf("inbound: ingestor is required")
	}
	handler := &Handler{
		ingestor: ingestor,
		logger:   glog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(handler)
		}
	}
	return handler, nil
}

// Mount registers the delivery and handshake routes on router.
func (h *Handler) Mount(router fiber.Router) {
	router.Post("/:provider", h.Receive)
	router.Get("/:provider", h.Challenge)
}

type ackBody struct {
	Status        string `json:"status"`
	EventID       string `json:"event_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Deduped       bool   `json:"deduped"`
}

// Receive hands the raw delivery to the ingestor and answers with its status.
func (h *Handler) Receive(c *fiber.Ctx) error {
	provider, err := core.ParseProvider(c.Params("provider"))
	if err != nil {
		return writeError(c, http.StatusNotFound, core.BadInputError(err.Error(), nil), "")
	}

	// fasthttp reuses the request buffer once the handler returns
	body := append([]byte(nil), c.Body()...)
	req := core.InboundRequest{
		Provider:   provider,
		Headers:    requestHeaders(c),
		Body:       body,
		ReceivedAt: h.now().UTC(),
	}
	result, err := h.ingestor.Ingest(c.UserContext(), req)
	if result.CorrelationID != "" {
		c.Set(correlationHeader, result.CorrelationID)
	}
	if err != nil {
		h.logger.Warn("webhook delivery not accepted",
			"provider", string(provider),
			"status_code", result.StatusCode,
			"error_code", core.TextCode(err),
			"correlation_id", result.CorrelationID,
		)
		return writeError(c, result.StatusCode, err, result.CorrelationID)
	}

	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	h.logger.Debug("webhook delivery accepted",
		"provider", string(provider),
		"event_id", result.EventID,
		"deduped", result.Deduped,
		"correlation_id", result.CorrelationID,
	)
	return c.Status(status).JSON(ackBody{
		Status:        "accepted",
		EventID:       result.EventID,
		CorrelationID: result.CorrelationID,
		Deduped:       result.Deduped,
	})
}

// Challenge answers the hub.mode/hub.verify_token/hub.challenge handshake
// with the challenge as plain text.
func (h *Handler) Challenge(c *fiber.Ctx) error {
	provider, err := core.ParseProvider(c.Params("provider"))
	if err != nil {
		return writeError(c, http.StatusNotFound, core.BadInputError(err.Error(), nil), "")
	}
	challenge, err := webhooks.VerifyChallenge(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"),
		h.verifyToken,
	)
	if err != nil {
		status := http.StatusBadRequest
		if core.IsAuthenticationFailure(err) {
			status = http.StatusForbidden
		}
		h.logger.Warn("subscription handshake rejected",
			"provider", string(provider),
			"error_code", core.TextCode(err),
		)
		return writeError(c, status, err, "")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(http.StatusOK).SendString(challenge)
}

func requestHeaders(c *fiber.Ctx) map[string]string {
	headers := map[string]string{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})
	return headers
}

// NewApp builds the fiber app serving the health check and the webhook
// routes under DefaultRoutePrefix.
func NewApp(handler *Handler, cfg core.HTTPConfig) *fiber.App {
	config := fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler,
	}
	if cfg.BodyLimit > 0 {
		config.BodyLimit = cfg.BodyLimit
	}
	app := fiber.New(config)
	app.Use(fiberrecover.New())
	app.Get(HealthPath, func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusNoContent)
	})

	router := app.Group(DefaultRoutePrefix)
	if cfg.RequestsPerMinute > 0 {
		router.Use(limiter.New(limiter.Config{
			Max:        cfg.RequestsPerMinute,
			Expiration: time.Minute,
			LimitReached: func(c *fiber.Ctx) error {
				return writeError(c, http.StatusTooManyRequests, fiber.NewError(http.StatusTooManyRequests, "rate limit exceeded"), "")
			},
		}))
	}
	handler.Mount(router)
	return app
}
