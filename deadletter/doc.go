// Package deadletter stores webhook jobs that exhausted their retries or
// failed fatally. Payloads are encrypted before they reach the repository
// and only an audited Retrieve or Reprocess ever decrypts them.
package deadletter
