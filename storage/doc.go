// Package storage defines the records and interfaces for OAuth client, token, and
// authorization-flow persistence.
//
//   - TokenStore: registered clients, access tokens and refresh tokens (durable)
//   - FlowStore: pending authorizations and authorization codes (process lifetime)
//   - Persister: byte-level snapshot backend used by the durable TokenStore
//
// Implementations are provided in subpackages:
//   - storage/memory: mutex-guarded FlowStore with background expiry cleanup
//   - storage/durable: snapshot-backed TokenStore
//   - storage/file: JSON file Persister with cross-process locking
//   - storage/sqlite: SQLite Persister
package storage
