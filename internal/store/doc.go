// Package store provides SQLite-backed checkpoints for replicated operation
// logs.
//
// The kernel keeps every artifact's log in memory; this store is the external
// collaborator it hands committed and merged operations to, and the source it
// restores from on Initialize.
//
// The store holds:
//   - Operations: one row per (artifact, site, seq), in arrival order
//   - Sessions: the site identity a participant uses for each artifact
//
// # Critical Patterns
//
// CP-1: Idempotent Append
//   - UNIQUE(artifact_id, site_id, seq) with ON CONFLICT DO NOTHING
//   - Re-checkpointing an operation the store already holds is a no-op
//   - A row whose op_id differs from the incoming operation is corruption
//     and fails the append
//
// CP-2: Arrival Order
//   - arrival INTEGER AUTOINCREMENT preserves the order operations were
//     incorporated, NEVER timestamps
//   - ReadOperations returns ORDER BY arrival ASC so a restored log matches
//     the log that was checkpointed
//
// CP-3: Atomic Batches
//   - One kernel commit (or one merge) is written in a single transaction
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Operation IDs are computed via internal/ir/hash.go using RFC 8785
// canonical JSON and SHA-256 with domain separation.
package store
