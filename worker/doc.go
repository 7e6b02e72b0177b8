// Package worker drains a core.JobDequeuer with a fixed number of goroutines
// and drives each delivery through idempotency, the business handler, retry
// scheduling and dead lettering.
package worker
