// Package storage is campaignd's small persistence layer: account and target
// directories, owner plans, daily usage counters and campaign log rows.
//
// Drivers:
//   - "memory": process-local maps (default)
//   - "file": memory plus a JSON snapshot and a JSONL campaign log
//   - "sqlite": SQLite file via modernc.org/sqlite (build tag sqlite)
//   - "postgres": PostgreSQL via lib/pq
package storage
