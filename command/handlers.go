package command

import (
	"context"
	"strings"
	"time"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-webhook-relay/core"
)

// DeadLetterOperator is the mutating side of the dead letter service.
type DeadLetterOperator interface {
	Reprocess(ctx context.Context, id string) (core.JobHandle, error)
	Purge(ctx context.Context, olderThan time.Duration) (int, error)
}

type ReprocessDeadLetterCommand struct {
	service DeadLetterOperator
}

func NewReprocessDeadLetterCommand(service DeadLetterOperator) *ReprocessDeadLetterCommand {
	return &ReprocessDeadLetterCommand{service: service}
}

// Execute stores the new core.JobHandle in the result collector when one is
// attached to ctx.
func (c *ReprocessDeadLetterCommand) Execute(ctx context.Context, msg ReprocessDeadLetterMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead letter service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	handle, err := c.service.Reprocess(withActor(ctx, msg.Actor), strings.TrimSpace(msg.ID))
	if err != nil {
		return err
	}
	storeResult(ctx, handle)
	return nil
}

type PurgeDeadLettersCommand struct {
	service DeadLetterOperator
}

func NewPurgeDeadLettersCommand(service DeadLetterOperator) *PurgeDeadLettersCommand {
	return &PurgeDeadLettersCommand{service: service}
}

func (c *PurgeDeadLettersCommand) Execute(ctx context.Context, msg PurgeDeadLettersMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead letter service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	deleted, err := c.service.Purge(withActor(ctx, msg.Actor), msg.OlderThan)
	if err != nil {
		return err
	}
	storeResult(ctx, PurgeResult{Deleted: deleted, OlderThan: msg.OlderThan})
	return nil
}

func withActor(ctx context.Context, actor string) context.Context {
	if strings.TrimSpace(actor) == "" {
		return ctx
	}
	return core.ContextWithActor(ctx, actor)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
