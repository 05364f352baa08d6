// Package kernel is the per-artifact collaboration runtime.
//
// A Kernel binds artifacts to the local site, runs local edit transactions,
// merges remote operations and keeps every participant's document converging.
//
// ARCHITECTURE:
//
// Exclusive ownership per artifact:
// Each artifact's log, causal context and document belong to one
// artifactState guarded by its own mutex. A Run or a Receive holds that mutex
// for its whole duration, so local and remote mutations of one artifact are
// serialized while different artifacts proceed independently.
//
// Commit order (local):
//  1. assign the next local seq
//  2. checkpoint (if a store is configured)
//  3. append to the log
//  4. advance the causal context
//  5. patch the document
//  6. queue for delivery in the outbox
//
// Delivery happens after the state lock is released, serialized per artifact
// so outbound order equals commit order. A crash can therefore leave an
// operation applied but unsent, never sent but unapplied.
//
// CRITICAL: Projection is deterministic. Remote operations that are not
// causally after everything already projected force a full rebuild in
// canonical order; this is what makes every site converge to byte-identical
// documents.
package kernel
