// Package core contains the canonical webhook relay contracts, entities, and
// error taxonomy. Storage, queue, and transport adapters depend on this
// package; core must not depend on any of them.
package core
