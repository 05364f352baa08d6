// Package ir provides the shared value types of the collaboration kernel:
// site and artifact identities, operations, causal-context snapshots, the
// sealed payload value union, RFC 8785 canonical JSON and content hashes.
//
// ir imports nothing internal. Every other package builds on it.
//
// Key design constraints:
//   - NO float types in payloads - use int64 for numbers
//   - Logical sequence numbers only, never wall-clock timestamps
//   - All JSON tags use snake_case
//   - Canonical JSON is the only encoding that feeds hashes and the wire
package ir
