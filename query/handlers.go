package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-webhook-relay/core"
)

type DeadLetterReader interface {
	List(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetterRecord, error)
	Retrieve(ctx context.Context, id string) (core.DeadLetterRecord, error)
}

type ListDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListDeadLettersQuery(reader DeadLetterReader) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{reader: reader}
}

func (q *ListDeadLettersQuery) Query(ctx context.Context, msg ListDeadLettersMessage) ([]core.DeadLetterRecord, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: dead letter reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.List(ctx, msg.Filter)
}

type RetrieveDeadLetterQuery struct {
	reader DeadLetterReader
}

func NewRetrieveDeadLetterQuery(reader DeadLetterReader) *RetrieveDeadLetterQuery {
	return &RetrieveDeadLetterQuery{reader: reader}
}

func (q *RetrieveDeadLetterQuery) Query(ctx context.Context, msg RetrieveDeadLetterMessage) (core.DeadLetterRecord, error) {
	if q == nil || q.reader == nil {
		return core.DeadLetterRecord{}, queryDependencyError("query: dead letter reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.DeadLetterRecord{}, err
	}
	if actor := strings.TrimSpace(msg.Actor); actor != "" {
		ctx = core.ContextWithActor(ctx, actor)
	}
	return q.reader.Retrieve(ctx, strings.TrimSpace(msg.ID))
}
