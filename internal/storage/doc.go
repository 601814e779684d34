// Package storage provides the DispatchStore drivers.
//
// Drivers:
//   - "memory": in-process maps (tests, demos)
//   - "file": memory + JSONL journal and snapshot (single process)
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": PostgreSQL via lib/pq
//
// The SQL drivers rely on a partial unique index on (task_id) WHERE
// status = 'in_flight'; that index is what makes concurrent schedulers in
// different processes safe.
package storage
