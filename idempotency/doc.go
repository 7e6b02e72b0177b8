// Package idempotency provides in-process and cached implementations of
// core.IdempotencyStore. The durable SQL implementation lives in store/sql.
package idempotency
