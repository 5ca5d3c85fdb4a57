// Package storage persists the dispatcher's messages and delivery outcomes.
//
// Drivers:
//   - sqlite (default): single file database, WAL journal
//   - file: JSON Lines journal + snapshot, no database dependency
//   - memory: non-durable, for tests and dry runs
package storage
