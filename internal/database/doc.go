// Package database provides the SQLite run ledger.
//
// It records:
//   - Render tickets and their lifecycle (queued, running, done, failed,
//     cancelled)
//   - Per-copy outcomes with the variant seed and recovery details
//   - Batch uniqueness and trust reports
//
// The database uses WAL mode for concurrent reads and creates its schema on
// open.
package database
