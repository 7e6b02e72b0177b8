package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every relay store over one bun database.
type RepositoryFactory struct {
	db *bun.DB

	idempotencyStore *IdempotencyStore
	deadLetterStore  *DeadLetterStore
	jobQueueStore    *JobQueueStore
	auditStore       *AuditStore
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...JobQueueOption) (*RepositoryFactory, error) {
	if client == nil {
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	}
	return newRepositoryFactory(client, opts...)
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...JobQueueOption) (*RepositoryFactory, error) {
	return newRepositoryFactory(db, opts...)
}

func newRepositoryFactory(candidate any, opts ...JobQueueOption) (*RepositoryFactory, error) {
	db, err := resolveBunDB(candidate)
	if err != nil {
		return nil, err
	}
	factory := &RepositoryFactory{db: db}
	if factory.idempotencyStore, err = NewIdempotencyStore(db); err != nil {
		return nil, err
	}
	if factory.deadLetterStore, err = NewDeadLetterStore(db); err != nil {
		return nil, err
	}
	if factory.jobQueueStore, err = NewJobQueueStore(db, opts...); err != nil {
		return nil, err
	}
	if factory.auditStore, err = NewAuditStore(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) IdempotencyStore() *IdempotencyStore {
	if f == nil {
		return nil
	}
	return f.idempotencyStore
}

func (f *RepositoryFactory) DeadLetterStore() *DeadLetterStore {
	if f == nil {
		return nil
	}
	return f.deadLetterStore
}

func (f *RepositoryFactory) JobQueueStore() *JobQueueStore {
	if f == nil {
		return nil
	}
	return f.jobQueueStore
}

func (f *RepositoryFactory) AuditStore() *AuditStore {
	if f == nil {
		return nil
	}
	return f.auditStore
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		if typed == nil {
			return nil, fmt.Errorf("sqlstore: bun db is required")
		}
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
