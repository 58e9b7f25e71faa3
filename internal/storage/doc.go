// Package storage is the SQLite persistence layer.
//
// It holds:
//   - schedule rows (scheduled_apps) with reactive change notification
//   - the durable deferred task queue (deferred_tasks)
//
// The schema is versioned with PRAGMA user_version and evolves through an
// ordered list of additive migrations.
package storage
