// Package oplog implements the append-only operation log of one artifact.
//
// Entries are kept in arrival order, which is NOT the replay order: the
// projection sorts them canonically. Entries are never deleted.
package oplog

import (
	"fmt"
	"iter"

	"github.com/roach88/fmsync/internal/ir"
)

// Log is the arrival-ordered sequence of accepted operations for one artifact.
//
// Not safe for concurrent use; the kernel serializes access per artifact.
type Log struct {
	artifact ir.ArtifactID
	entries  []ir.Operation
	index    map[ir.OpKey]int
	lastSeq  map[ir.SiteID]int64
}

// New creates an empty log scoped to artifact.
func New(artifact ir.ArtifactID) *Log {
	return &Log{
		artifact: artifact,
		index:    make(map[ir.OpKey]int),
		lastSeq:  make(map[ir.SiteID]int64),
	}
}

// Artifact returns the artifact this log belongs to.
func (l *Log) Artifact() ir.ArtifactID {
	return l.artifact
}

// Append inserts op at the end of the log and returns the new length.
// Fails with *DuplicateOperationError if (site, seq) is already present.
func (l *Log) Append(op ir.Operation) (int, error) {
	if op.ArtifactID != l.artifact {
		return len(l.entries), fmt.Errorf("append %s: log belongs to artifact %q", op, l.artifact)
	}
	key := op.Key()
	if _, exists := l.index[key]; exists {
		return len(l.entries), &DuplicateOperationError{Artifact: l.artifact, Site: op.SiteID, Seq: op.Seq}
	}

	l.index[key] = len(l.entries)
	l.entries = append(l.entries, op.Clone())
	if op.Seq > l.lastSeq[op.SiteID] {
		l.lastSeq[op.SiteID] = op.Seq
	}
	return len(l.entries), nil
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Contains reports whether the operation identified by key was appended.
func (l *Log) Contains(key ir.OpKey) bool {
	_, ok := l.index[key]
	return ok
}

// Get returns the operation identified by key.
func (l *Log) Get(key ir.OpKey) (ir.Operation, bool) {
	i, ok := l.index[key]
	if !ok {
		return ir.Operation{}, false
	}
	return l.entries[i].Clone(), true
}

// LastSeq returns the highest sequence number appended for site.
func (l *Log) LastSeq(site ir.SiteID) int64 {
	return l.lastSeq[site]
}

// Entries returns a copy of the log in arrival order.
func (l *Log) Entries() []ir.Operation {
	out := make([]ir.Operation, len(l.entries))
	for i, op := range l.entries {
		out[i] = op.Clone()
	}
	return out
}

// OperationsSince yields, in arrival order, every operation not reflected in
// ctx. The sequence is bounded by the log length at call time and can be
// ranged over any number of times; later appends are not observed.
//
// Used to catch up a freshly joined or reconnected participant.
func (l *Log) OperationsSince(ctx ir.Context) iter.Seq[ir.Operation] {
	// Entries are never mutated in place, so a slice header taken now stays a
	// valid view of the prefix even if a later append reallocates.
	view := l.entries[:len(l.entries):len(l.entries)]
	watermarks := ctx.Clone()

	return func(yield func(ir.Operation) bool) {
		for _, op := range view {
			if watermarks.Includes(op.Key()) {
				continue
			}
			if !yield(op.Clone()) {
				return
			}
		}
	}
}
