// Package webhooks contains the ingestion side of the relay: signature
// verification, event identity extraction, and the Ingestor that records
// idempotency and enqueues jobs before acknowledging the platform.
//
// Ingestion never invokes business logic. A delivery is answered as soon as
// its job is durably queued; processing happens in the worker pool.
package webhooks
