// Package storage persists the broadcast engine's durable state.
//
// It covers:
//   - Campaign records and their lifecycle/counter metadata
//   - The append-only per-recipient outcome log
//   - Stored sending credentials
//   - The TTL'd key-value progress sink
//
// The sqlite driver is the production backend; the memory driver backs tests
// and storage-less experimentation.
package storage
