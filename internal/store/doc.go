// Package store provides SQLite-backed durable storage for snapshot facts
// and equivalence links.
//
// The store is append-only for snapshots:
//   - Append uses ON CONFLICT DO NOTHING on the natural key
//     (subject, signature_hash, slice_key, anchor_day, retrieved_at_ms)
//     and reports inserted vs duplicate; byte-identical re-appends never
//     error and never mutate.
//   - Nothing updates or deletes snapshot rows except the repair surface
//     (RepairTx), which exists solely for the duplicate-timestamp migration
//     tool and runs one subject per transaction.
//
// Equivalence links are directed rows with an active flag. ResolveClosure
// walks ACTIVE links as undirected edges (a link asserts that both endpoints
// name the same underlying data) with a visited set, so cycles terminate.
//
// Determinism rules:
//   - Every query carries a total ORDER BY ending in id, with COLLATE BINARY
//     on text columns, so results are identical across processes.
//   - Readers receive empty slices, never nil.
//   - All timestamps are stored as unix milliseconds UTC.
//
// Database configuration (applied on every Open):
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
