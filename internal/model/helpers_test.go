package model

import (
	"github.com/roach88/fmsync/internal/ir"
)

// mk builds an operation of artifact fm1. deps lists cross-site dependencies;
// the own-site entry is filled in.
func mk(site ir.SiteID, seq int64, deps ir.Context, kind ir.OpKind, payload ir.IRObject) ir.Operation {
	dependsOn := deps.Clone()
	dependsOn[site] = seq - 1
	return ir.Operation{
		ArtifactID: "fm1",
		SiteID:     site,
		Seq:        seq,
		Kind:       kind,
		Payload:    payload,
		DependsOn:  dependsOn,
	}
}

func addFeature(id, parent string) ir.IRObject {
	return ir.IRObject{"id": ir.IRString(id), "parent": ir.IRString(parent), "name": ir.IRString(id)}
}

func keysOf(ops []ir.Operation) []ir.OpKey {
	out := make([]ir.OpKey, len(ops))
	for i, op := range ops {
		out[i] = op.Key()
	}
	return out
}

func ids(fs []Feature) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.ID
	}
	return out
}
