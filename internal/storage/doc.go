// Package storage persists reminders and the per-owner conversation log.
//
// Two drivers implement Store:
//   - "sqlite" (default): modernc.org/sqlite, WAL + synchronous=FULL
//   - "file": JSON Lines journal + snapshot, fsynced on every mutation
//
// Both drivers pass the same conformance tests (store_test.go).
package storage
