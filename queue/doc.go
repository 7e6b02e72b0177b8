// Package queue provides the in-process job queue used by tests and single
// node deployments. Durable backends live in store/sql and queue/redisqueue.
package queue
