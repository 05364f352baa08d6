package model

import (
	"maps"
	"slices"

	"github.com/roach88/fmsync/internal/ir"
)

// CanonicalOrder returns ops in the total order every replica replays them in.
//
// The order is topological over DependsOn: an operation never precedes an
// operation it depends on. Among operations that are ready at the same time
// the one from the lowest site id goes first; within a site, seq ascending.
// The result depends only on the set of operations, not on the input order.
// Repeated (site, seq) entries are dropped, keeping the first.
//
// A dependency on an operation absent from ops is treated as satisfied. Should
// the dependencies be cyclic (which a well-formed log never is) the lowest
// site's head is taken to guarantee progress.
func CanonicalOrder(ops []ir.Operation) []ir.Operation {
	queues := make(map[ir.SiteID][]ir.Operation)
	seen := make(map[ir.OpKey]bool, len(ops))
	n := 0
	for _, op := range ops {
		if seen[op.Key()] {
			continue
		}
		seen[op.Key()] = true
		queues[op.SiteID] = append(queues[op.SiteID], op)
		n++
	}
	for site := range queues {
		slices.SortFunc(queues[site], func(a, b ir.Operation) int {
			return a.Key().Compare(b.Key())
		})
	}
	sites := slices.Sorted(maps.Keys(queues))

	// ready: every cross-site dependency is either replayed or absent, i.e.
	// the next unreplayed op of that site is beyond the dependency.
	ready := func(op ir.Operation) bool {
		for site, seq := range op.DependsOn {
			if site == op.SiteID {
				continue
			}
			if q := queues[site]; len(q) > 0 && q[0].Seq <= seq {
				return false
			}
		}
		return true
	}

	out := make([]ir.Operation, 0, n)
	for len(out) < n {
		var pick ir.SiteID
		found := false
		for _, site := range sites {
			if q := queues[site]; len(q) > 0 && ready(q[0]) {
				pick, found = site, true
				break
			}
		}
		if !found {
			for _, site := range sites {
				if len(queues[site]) > 0 {
					pick = site
					break
				}
			}
		}
		out = append(out, queues[pick][0])
		queues[pick] = queues[pick][1:]
	}
	return out
}

// Project folds ops into a fresh document of artifact, replaying them in
// canonical order. Operations of other artifacts and operations whose
// preconditions fail are skipped.
func Project(artifact ir.ArtifactID, ops []ir.Operation) *Document {
	doc := New(artifact)
	for _, op := range CanonicalOrder(ops) {
		doc.Apply(op)
	}
	return doc
}
