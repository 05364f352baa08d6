// Package causal tracks, per site, how many operations have been
// incorporated into a replica and decides when a remote operation may be
// delivered.
//
// Local operations must advance the context in strict sequence. Remote
// operations are admitted idempotently: anything at or below the recorded
// watermark is a duplicate, anything that leaves a gap or depends on
// operations not yet seen is buffered until it becomes deliverable.
package causal

import (
	"slices"

	"github.com/roach88/fmsync/internal/ir"
)

// Context is the causal context of one artifact replica.
//
// Not safe for concurrent use; the kernel owns one Context per artifact and
// serializes access to it.
type Context struct {
	seen    ir.Context
	pending map[ir.OpKey]ir.Operation
}

// New creates a context starting from snapshot. A nil snapshot starts empty.
func New(snapshot ir.Context) *Context {
	return &Context{
		seen:    snapshot.Clone(),
		pending: make(map[ir.OpKey]ir.Operation),
	}
}

// Clone returns an independent copy including the buffered operations.
// The kernel admits remote operations into a clone and swaps it in only once
// the admitted operations are checkpointed.
func (c *Context) Clone() *Context {
	out := New(c.seen)
	for k, op := range c.pending {
		out.pending[k] = op
	}
	return out
}

// Get returns the highest sequence number incorporated from site.
func (c *Context) Get(site ir.SiteID) int64 {
	return c.seen[site]
}

// Snapshot returns a copy of the watermarks. Callers may keep it.
func (c *Context) Snapshot() ir.Context {
	return c.seen.Clone()
}

// Covers reports whether every operation in other has been incorporated.
func (c *Context) Covers(other ir.Context) bool {
	return c.seen.Covers(other)
}

// Pending returns the number of buffered remote operations.
func (c *Context) Pending() int {
	return len(c.pending)
}

// AdvanceLocal records a locally issued operation.
// Local operations are issued in strict sequence: seq must be exactly one
// greater than the current watermark for site.
func (c *Context) AdvanceLocal(site ir.SiteID, seq int64) error {
	expected := c.seen[site] + 1
	if seq != expected {
		return &RegressionError{Site: site, Expected: expected, Got: seq}
	}
	c.seen[site] = seq
	return nil
}

// Admit merges a remote operation.
//
// Returns the operations that became deliverable, in delivery order, with the
// context already advanced past each of them. The result is empty when op is
// a duplicate or had to be buffered.
//
// An operation is deliverable when it is the next sequence number of its site
// and every entry of its DependsOn has been incorporated. Buffered operations
// are retried after every delivery, scanning in (site, seq) order so that two
// replicas holding the same buffer release it identically.
func (c *Context) Admit(op ir.Operation) []ir.Operation {
	key := op.Key()
	if c.seen.Includes(key) {
		return nil
	}
	if _, buffered := c.pending[key]; buffered {
		return nil
	}

	if !c.deliverable(op) {
		c.pending[key] = op
		return nil
	}

	c.seen[op.SiteID] = op.Seq
	delivered := []ir.Operation{op}
	return append(delivered, c.drain()...)
}

// deliverable reports whether op can be incorporated now.
func (c *Context) deliverable(op ir.Operation) bool {
	if op.Seq != c.seen[op.SiteID]+1 {
		return false
	}
	for site, seq := range op.DependsOn {
		if site == op.SiteID {
			continue
		}
		if c.seen[site] < seq {
			return false
		}
	}
	return true
}

// drain releases buffered operations until no more progress is possible.
func (c *Context) drain() []ir.Operation {
	var released []ir.Operation
	for {
		progressed := false
		for _, key := range c.pendingKeys() {
			op := c.pending[key]
			if c.seen.Includes(key) {
				// Superseded while buffered (same key admitted twice).
				delete(c.pending, key)
				continue
			}
			if !c.deliverable(op) {
				continue
			}
			delete(c.pending, key)
			c.seen[op.SiteID] = op.Seq
			released = append(released, op)
			progressed = true
		}
		if !progressed {
			return released
		}
	}
}

// pendingKeys returns buffered keys in (site, seq) order.
func (c *Context) pendingKeys() []ir.OpKey {
	keys := make([]ir.OpKey, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, ir.OpKey.Compare)
	return keys
}

// Missing returns, per site, the lowest sequence number that is blocking a
// buffered operation. Used to decide what to ask a peer for after reconnect.
func (c *Context) Missing() ir.Context {
	missing := ir.Context{}
	for key := range c.pending {
		next := c.seen[key.Site] + 1
		if next < key.Seq {
			if cur, ok := missing[key.Site]; !ok || next < cur {
				missing[key.Site] = next
			}
		}
	}
	return missing
}
